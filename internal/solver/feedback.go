// Package solver holds the concrete captcha.Solver strategies.
package solver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"captcha_engine/internal/model"
)

// feedbackPrior keeps a handful of reports from swinging confidence.
const feedbackPrior = 4

// feedback counts ReportResult outcomes and scales confidence by the
// smoothed success rate. With no reports the scale is 1.
type feedback struct {
	good atomic.Int64
	bad  atomic.Int64
}

func (f *feedback) record(success bool) {
	if success {
		f.good.Add(1)
	} else {
		f.bad.Add(1)
	}
}

func (f *feedback) rate() float64 {
	good, bad := f.good.Load(), f.bad.Load()
	return float64(good+feedbackPrior) / float64(good+bad+feedbackPrior)
}

func (f *feedback) adjust(confidence float64) float64 {
	return confidence * f.rate()
}

// Stats reports the counters, mainly for logs and tests.
func (f *feedback) Stats() (good, bad int64) {
	return f.good.Load(), f.bad.Load()
}

// Fetcher downloads images referenced by URL. *fetch.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

var errNoImage = errors.New("no image data")

// loadImage returns inline bytes or downloads url.
func loadImage(ctx context.Context, f Fetcher, data []byte, url string) ([]byte, error) {
	if len(data) > 0 {
		return data, nil
	}
	if url == "" {
		return nil, errNoImage
	}
	if f == nil {
		return nil, fmt.Errorf("%w: cannot download %s without a fetcher", model.ErrInvalidRequest, url)
	}
	return f.Fetch(ctx, url)
}
