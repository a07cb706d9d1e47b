package captcha

import (
	"context"
	"sync"
)

// pool bounds the number of concurrently running background jobs.
type pool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func newPool(size int) *pool {
	if size <= 0 {
		size = 4
	}
	return &pool{slots: make(chan struct{}, size)}
}

func (p *pool) acquire(ctx context.Context) (func(), error) {
	select {
	case p.slots <- struct{}{}:
		return func() {
			select {
			case <-p.slots:
			default:
			}
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// goTracked runs fn on a goroutine counted by wait.
func (p *pool) goTracked(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

func (p *pool) wait() { p.wg.Wait() }
