package solver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"captcha_engine/internal/logbus"
	"captcha_engine/internal/model"
	"captcha_engine/internal/provider"
)

// ExtraInstructions carries click-captcha instructions for providers.
const ExtraInstructions = "instructions"

const (
	providerConfidence = 0.85
	reportTimeout      = 10 * time.Second

	// Unreported tasks are forgotten after taskTTL; at most maxTrackedTasks
	// are kept, oldest evicted first.
	taskTTL         = 30 * time.Minute
	maxTrackedTasks = 4096
)

type providerTask struct {
	id     string
	stored time.Time
}

// Provider adapts a paid provider to one captcha type. Register one
// instance per type the provider supports.
type Provider struct {
	p        provider.Provider
	typ      model.CaptchaType
	priority int
	fetcher  Fetcher
	bus      *logbus.Bus
	fb       feedback

	// manager task id -> provider task, for ReportResult.
	mu        sync.Mutex
	tasks     map[string]providerTask
	lastSweep time.Time
	now       func() time.Time
}

func NewProvider(p provider.Provider, t model.CaptchaType, priority int, f Fetcher, bus *logbus.Bus) *Provider {
	if priority <= 0 {
		priority = 60
	}
	return &Provider{
		p:        p,
		typ:      t,
		priority: priority,
		fetcher:  f,
		bus:      bus,
		tasks:    make(map[string]providerTask),
		now:      time.Now,
	}
}

func (s *Provider) Name() string                     { return s.p.Name() }
func (s *Provider) SupportedType() model.CaptchaType { return s.typ }
func (s *Provider) Priority() int                    { return s.priority }

func (s *Provider) Available(ctx context.Context) bool {
	return s.p.Supports(s.typ) && s.p.Available(ctx)
}

func (s *Provider) Solve(ctx context.Context, req *model.CaptchaRequest) (*model.CaptchaResult, error) {
	var (
		ans provider.Answer
		err error
		res *model.CaptchaResult
	)
	switch s.typ {
	case model.TypeRecaptcha, model.TypeHcaptcha:
		ans, err = s.p.SolveToken(ctx, s.typ, req.SiteURL, req.SiteKey)
		if err != nil {
			return nil, err
		}
		if ans.Text == "" {
			return model.FailWithType(s.typ, "provider returned an empty token"), nil
		}
		res = model.TokenResult(s.typ, ans.Text)

	case model.TypeClick:
		img, lerr := loadImage(ctx, s.fetcher, req.Image, req.ImageURL)
		if lerr != nil {
			return nil, fmt.Errorf("load click image: %w", lerr)
		}
		instructions := req.ExtraString(ExtraInstructions)
		if instructions == "" {
			instructions = req.GestureHint
		}
		ans, err = s.p.SolveClick(ctx, img, instructions)
		if err != nil {
			return nil, err
		}
		if len(ans.Points) == 0 {
			return model.FailWithType(s.typ, "provider returned no click points"), nil
		}
		res = model.ClickResult(ans.Points, s.fb.adjust(providerConfidence))

	case model.TypeImage, model.TypeRotate:
		img, lerr := loadImage(ctx, s.fetcher, req.Image, req.ImageURL)
		if lerr != nil {
			return nil, fmt.Errorf("load captcha image: %w", lerr)
		}
		ans, err = s.p.SolveImage(ctx, img)
		if err != nil {
			return nil, err
		}
		text := strings.TrimSpace(ans.Text)
		if text == "" {
			return model.FailWithType(s.typ, "provider returned no text"), nil
		}
		if s.typ == model.TypeImage {
			res = model.TextResult(text, s.fb.adjust(providerConfidence))
			break
		}
		angle, perr := strconv.ParseFloat(strings.TrimSuffix(text, "°"), 64)
		if perr != nil {
			return model.FailWithType(s.typ, fmt.Sprintf("provider angle %q is not a number", text)), nil
		}
		res = model.AngleResult(angle, s.fb.adjust(providerConfidence))

	default:
		return nil, fmt.Errorf("%w: %s", provider.ErrUnsupported, s.typ)
	}

	if ans.TaskID != "" && req.TaskID != "" {
		s.remember(req.TaskID, ans.TaskID)
	}
	return res, nil
}

// ReportResult forwards the verdict to the provider when it solved taskID.
func (s *Provider) ReportResult(taskID string, success bool) {
	s.fb.record(success)
	id, ok := s.take(taskID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := s.p.Report(ctx, id, success); err != nil {
		s.bus.Log("warn", "provider report failed", map[string]any{
			"provider": s.p.Name(),
			"taskId":   taskID,
			"error":    err.Error(),
		})
	}
}

func (s *Provider) remember(taskID, providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) >= taskTTL/4 || len(s.tasks) >= maxTrackedTasks {
		for k, v := range s.tasks {
			if now.Sub(v.stored) >= taskTTL {
				delete(s.tasks, k)
			}
		}
		s.lastSweep = now
	}
	for len(s.tasks) >= maxTrackedTasks {
		oldest, at := "", now
		for k, v := range s.tasks {
			if !v.stored.After(at) {
				oldest, at = k, v.stored
			}
		}
		delete(s.tasks, oldest)
	}
	s.tasks[taskID] = providerTask{id: providerID, stored: now}
}

func (s *Provider) take(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return "", false
	}
	delete(s.tasks, taskID)
	if s.now().Sub(t.stored) >= taskTTL {
		return "", false
	}
	return t.id, true
}

// ProviderSolvers registers p once for every type it supports, or only for
// types when that is non-empty.
func ProviderSolvers(p provider.Provider, types []model.CaptchaType, priority int, f Fetcher, bus *logbus.Bus) []*Provider {
	if len(types) == 0 {
		types = model.AllTypes()
	}
	var out []*Provider
	for _, t := range types {
		if !p.Supports(t) {
			continue
		}
		out = append(out, NewProvider(p, t, priority, f, bus))
	}
	return out
}
