// Package provider defines paid third-party captcha solving services.
package provider

import (
	"context"
	"errors"

	"captcha_engine/internal/model"
)

// ErrUnsupported is returned for a captcha type the provider cannot solve.
var ErrUnsupported = errors.New("provider: captcha type not supported")

// Answer is what a provider returned for one submitted task. TaskID is the
// provider's own id, used for later feedback.
type Answer struct {
	TaskID string        `json:"taskId"`
	Text   string        `json:"text,omitempty"`
	Points []model.Point `json:"points,omitempty"`
}

type Provider interface {
	Name() string
	Supports(t model.CaptchaType) bool

	SolveImage(ctx context.Context, image []byte) (Answer, error)
	SolveClick(ctx context.Context, image []byte, instructions string) (Answer, error)
	// SolveToken handles reCAPTCHA and hCaptcha style challenges.
	SolveToken(ctx context.Context, t model.CaptchaType, siteURL, siteKey string) (Answer, error)

	Report(ctx context.Context, taskID string, success bool) error
	Balance(ctx context.Context) (float64, error)
	// Available is a cheap health check; it may be cached.
	Available(ctx context.Context) bool
}
