// Package captcha orchestrates solving: it classifies a request, walks the
// solvers registered for the type in priority order and returns the first
// success.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"captcha_engine/internal/logbus"
	"captcha_engine/internal/model"
)

type Options struct {
	Solvers []Solver
	// Detector classifies requests that arrive without a type. Optional.
	Detector TypeDetector
	Bus      *logbus.Bus
	Metrics  Metrics
	// MaxConcurrent bounds SolveAsync workers. Defaults to 4.
	MaxConcurrent int
}

// Manager is safe for concurrent use. Its registry is built in New and
// never modified afterwards.
type Manager struct {
	registry map[model.CaptchaType][]Solver
	detector TypeDetector
	bus      *logbus.Bus
	metrics  Metrics
	pool     *pool
}

func New(opts Options) *Manager {
	registry := make(map[model.CaptchaType][]Solver)
	for _, s := range opts.Solvers {
		if s == nil {
			continue
		}
		t := s.SupportedType()
		registry[t] = append(registry[t], s)
	}
	for _, list := range registry {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority() < list[j].Priority()
		})
	}

	m := &Manager{
		registry: registry,
		detector: opts.Detector,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		pool:     newPool(opts.MaxConcurrent),
	}
	for t, list := range registry {
		names := make([]string, 0, len(list))
		for _, s := range list {
			names = append(names, fmt.Sprintf("%s(%d)", s.Name(), s.Priority()))
		}
		m.bus.Info("captcha solvers registered", map[string]any{"type": t.Code(), "solvers": names})
	}
	return m
}

// Solve resolves req. The request is cloned first; the resolved type and
// a generated task id are applied to the clone only. Errors wrap
// model.ErrTypeUndetected, model.ErrUnsupportedType, model.ErrExhausted,
// model.ErrInvalidRequest, or are the last *model.SolverError raised.
func (m *Manager) Solve(ctx context.Context, req *model.CaptchaRequest) (*model.CaptchaResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", model.ErrInvalidRequest)
	}
	start := time.Now()
	r := req.Clone()
	if r.TaskID == "" {
		r.TaskID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, r.EffectiveTimeout())
	defer cancel()

	detected := r.EffectiveType() == model.TypeUnknown
	t, err := m.resolveType(ctx, r)
	if err != nil {
		m.observeSolve(model.TypeUnknown, OutcomeError, start)
		m.bus.Warn("captcha type undetected", map[string]any{"taskId": r.TaskID, "error": err.Error()})
		return nil, err
	}
	r.Type = t
	if detected {
		r.PromoteSliderBackground()
	}

	solvers := m.registry[t]
	if len(solvers) == 0 {
		m.observeSolve(t, OutcomeError, start)
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedType, t.Code())
	}
	if err := r.Validate(); err != nil {
		m.observeSolve(t, OutcomeError, start)
		return nil, err
	}

	var lastErr error
	for _, s := range solvers {
		if ctxErr := ctx.Err(); ctxErr != nil {
			lastErr = fmt.Errorf("solve %s: %w", r.TaskID, ctxErr)
			break
		}
		name := s.Name()
		if !m.available(ctx, s) {
			m.observeAttempt(name, t, OutcomeSkipped, time.Now())
			m.bus.Debug("captcha solver unavailable, skipped", map[string]any{"taskId": r.TaskID, "solver": name})
			continue
		}

		attemptStart := time.Now()
		res, err := m.invoke(ctx, s, r)
		if err != nil {
			lastErr = &model.SolverError{Solver: name, Err: err}
			m.observeAttempt(name, t, OutcomeError, attemptStart)
			m.bus.Warn("captcha solver error", map[string]any{
				"taskId": r.TaskID,
				"solver": name,
				"type":   t.Code(),
				"error":  err.Error(),
			})
			continue
		}
		if res == nil || !res.Success {
			m.observeAttempt(name, t, OutcomeFailure, attemptStart)
			msg := "nil result"
			if res != nil {
				msg = res.ErrorMessage
			}
			m.bus.Info("captcha solver failed", map[string]any{"taskId": r.TaskID, "solver": name, "message": msg})
			continue
		}

		res.TaskID = r.TaskID
		res.SolverName = name
		res.Type = t
		res.CostMs = time.Since(start).Milliseconds()
		if verr := res.Validate(); verr != nil {
			m.observeAttempt(name, t, OutcomeFailure, attemptStart)
			m.bus.Warn("captcha solver returned malformed result", map[string]any{
				"taskId": r.TaskID,
				"solver": name,
				"error":  verr.Error(),
			})
			continue
		}

		m.observeAttempt(name, t, OutcomeSuccess, attemptStart)
		m.observeSolve(t, OutcomeSuccess, start)
		m.bus.Info("captcha solved", map[string]any{
			"taskId":     r.TaskID,
			"solver":     name,
			"type":       t.Code(),
			"costMs":     res.CostMs,
			"confidence": res.Confidence,
		})
		m.bus.Publish(EventSolved, res.Clone())
		return res, nil
	}

	m.observeSolve(t, OutcomeFailure, start)
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: type %s, task %s", model.ErrExhausted, t.Code(), r.TaskID)
}

func (m *Manager) resolveType(ctx context.Context, r *model.CaptchaRequest) (model.CaptchaType, error) {
	if t := r.EffectiveType(); t != model.TypeUnknown {
		return t, nil
	}
	if m.detector == nil || !r.HasImage() {
		return model.TypeUnknown, model.ErrTypeUndetected
	}
	img := r.Image
	if len(img) == 0 {
		img = r.Background
	}

	t, err := m.detect(ctx, img)
	if err != nil {
		return model.TypeUnknown, fmt.Errorf("%w: %v", model.ErrTypeUndetected, err)
	}
	if !t.IsKnown() {
		return model.TypeUnknown, model.ErrTypeUndetected
	}
	m.bus.Debug("captcha type detected", map[string]any{"taskId": r.TaskID, "type": t.Code()})
	return t, nil
}

func (m *Manager) detect(ctx context.Context, img []byte) (t model.CaptchaType, err error) {
	defer func() {
		if p := recover(); p != nil {
			t, err = model.TypeUnknown, fmt.Errorf("detector panic: %v", p)
		}
	}()
	return m.detector.Detect(ctx, img)
}

func (m *Manager) invoke(ctx context.Context, s Solver, r *model.CaptchaRequest) (res *model.CaptchaResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return s.Solve(ctx, r)
}

func (m *Manager) available(ctx context.Context, s Solver) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
		}
	}()
	return s.Available(ctx)
}

// SolveAsync runs Solve on the worker pool. The channel always receives
// exactly one result and is then closed; errors become failed results.
func (m *Manager) SolveAsync(ctx context.Context, req *model.CaptchaRequest) <-chan *model.CaptchaResult {
	out := make(chan *model.CaptchaResult, 1)
	m.pool.goTracked(func() {
		defer close(out)
		out <- m.solveAsync(ctx, req)
	})
	return out
}

func (m *Manager) solveAsync(ctx context.Context, req *model.CaptchaRequest) (res *model.CaptchaResult) {
	fail := func(msg string) *model.CaptchaResult {
		var t model.CaptchaType
		var taskID string
		if req != nil {
			t, taskID = req.EffectiveType(), req.TaskID
		}
		r := model.FailWithType(t, msg)
		r.TaskID = taskID
		return r
	}
	defer func() {
		if p := recover(); p != nil {
			res = fail(fmt.Sprintf("panic: %v", p))
		}
	}()

	release, err := m.pool.acquire(ctx)
	if err != nil {
		return fail(err.Error())
	}
	defer release()

	out, err := m.Solve(ctx, req)
	if err != nil {
		return fail(err.Error())
	}
	return out
}

// ReportResult forwards feedback to every solver of type t in the
// background. Panics in solvers are swallowed.
func (m *Manager) ReportResult(t model.CaptchaType, taskID string, success bool) {
	m.pool.goTracked(func() { m.reportResult(t, taskID, success) })
}

func (m *Manager) reportResult(t model.CaptchaType, taskID string, success bool) {
	for _, s := range m.registry[t] {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.bus.Warn("captcha report failed", map[string]any{
						"solver": s.Name(),
						"taskId": taskID,
						"error":  fmt.Sprint(p),
					})
				}
			}()
			s.ReportResult(taskID, success)
		}()
	}
}

// Wait blocks until all background solves and reports have finished.
func (m *Manager) Wait() { m.pool.wait() }

func (m *Manager) IsAvailable(ctx context.Context, t model.CaptchaType) bool {
	for _, s := range m.registry[t] {
		if m.available(ctx, s) {
			return true
		}
	}
	return false
}

func (m *Manager) AvailableSolverCount(ctx context.Context, t model.CaptchaType) int {
	n := 0
	for _, s := range m.registry[t] {
		if m.available(ctx, s) {
			n++
		}
	}
	return n
}

// SupportedTypes lists the types with at least one registered solver,
// ordered by code.
func (m *Manager) SupportedTypes() []model.CaptchaType {
	out := make([]model.CaptchaType, 0, len(m.registry))
	for t := range m.registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Solvers returns the priority-ordered solvers for t.
func (m *Manager) Solvers(t model.CaptchaType) []Solver {
	list := m.registry[t]
	out := make([]Solver, len(list))
	copy(out, list)
	return out
}

func (m *Manager) observeAttempt(solver string, t model.CaptchaType, outcome string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveAttempt(solver, t, outcome, time.Since(start))
}

func (m *Manager) observeSolve(t model.CaptchaType, outcome string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveSolve(t, outcome, time.Since(start))
}

// IsTerminal reports whether err is a non-retryable classification or
// registration failure.
func IsTerminal(err error) bool {
	return errors.Is(err, model.ErrTypeUndetected) ||
		errors.Is(err, model.ErrUnsupportedType) ||
		errors.Is(err, model.ErrInvalidRequest)
}
