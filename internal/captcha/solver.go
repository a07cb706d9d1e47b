package captcha

import (
	"context"
	"time"

	"captcha_engine/internal/model"
)

// DefaultPriority is used by solvers that do not declare one. Lower values
// are tried first.
const DefaultPriority = 50

// Solver is one strategy for one captcha type. A strategy that handles
// several types registers a separate instance per type.
//
// Solve returns a failed result for an expected "could not resolve"
// outcome and an error only for exceptional conditions. Available must
// be cheap and must not attempt a solve.
type Solver interface {
	Name() string
	SupportedType() model.CaptchaType
	Solve(ctx context.Context, req *model.CaptchaRequest) (*model.CaptchaResult, error)
	Available(ctx context.Context) bool
	Priority() int
	ReportResult(taskID string, success bool)
}

// TypeDetector classifies raw image bytes.
type TypeDetector interface {
	Detect(ctx context.Context, image []byte) (model.CaptchaType, error)
}

// Base can be embedded to pick up the default priority and a no-op
// ReportResult.
type Base struct{}

func (Base) Priority() int { return DefaultPriority }

func (Base) ReportResult(string, bool) {}

// Metrics receives per-attempt and per-solve observations. Outcome is one
// of "success", "failure", "error" or "skipped".
type Metrics interface {
	ObserveAttempt(solver string, t model.CaptchaType, outcome string, d time.Duration)
	ObserveSolve(t model.CaptchaType, outcome string, d time.Duration)
}

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// EventSolved is the bus message type carrying a successful *model.CaptchaResult.
const EventSolved = "captcha.solved"
