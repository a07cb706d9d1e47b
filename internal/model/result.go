package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"captcha_engine/internal/trajectory"
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// CaptchaResult is either a success carrying the payload for Type or a
// failure carrying ErrorMessage, never both.
type CaptchaResult struct {
	TaskID  string      `json:"taskId,omitempty"`
	Success bool        `json:"success"`
	Type    CaptchaType `json:"type,omitempty"`

	Text         string             `json:"text,omitempty"`
	SliderOffset int                `json:"sliderOffset,omitempty"`
	ClickPoints  []Point            `json:"clickPoints,omitempty"`
	GestureTrack []Point            `json:"gestureTrack,omitempty"`
	RotateAngle  float64            `json:"rotateAngle,omitempty"`
	Token        string             `json:"token,omitempty"`
	Trajectory   []trajectory.Point `json:"trajectory,omitempty"`

	ErrorMessage string  `json:"errorMessage,omitempty"`
	CostMs       int64   `json:"costMs"`
	Confidence   float64 `json:"confidence"`
	SolverName   string  `json:"solverName,omitempty"`
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func TextResult(text string, confidence float64) *CaptchaResult {
	return &CaptchaResult{Success: true, Type: TypeImage, Text: text, Confidence: clampConfidence(confidence)}
}

func OffsetResult(offset int, confidence float64) *CaptchaResult {
	return &CaptchaResult{Success: true, Type: TypeSlider, SliderOffset: offset, Confidence: clampConfidence(confidence)}
}

func ClickResult(points []Point, confidence float64) *CaptchaResult {
	return &CaptchaResult{Success: true, Type: TypeClick, ClickPoints: points, Confidence: clampConfidence(confidence)}
}

// GestureResult records the gesture track; the same points double as the
// click sequence for consumers that only replay clicks.
func GestureResult(track []Point, confidence float64) *CaptchaResult {
	return &CaptchaResult{
		Success:      true,
		Type:         TypeGesture,
		ClickPoints:  track,
		GestureTrack: track,
		Confidence:   clampConfidence(confidence),
	}
}

func AngleResult(angle, confidence float64) *CaptchaResult {
	return &CaptchaResult{Success: true, Type: TypeRotate, RotateAngle: angle, Confidence: clampConfidence(confidence)}
}

func TokenResult(t CaptchaType, token string) *CaptchaResult {
	return &CaptchaResult{Success: true, Type: t, Token: token, Confidence: 1}
}

func Fail(message string) *CaptchaResult {
	return &CaptchaResult{Success: false, ErrorMessage: message}
}

func FailWithType(t CaptchaType, message string) *CaptchaResult {
	return &CaptchaResult{Success: false, Type: t, ErrorMessage: message}
}

// SetConfidence stores c clamped to [0,1].
func (r *CaptchaResult) SetConfidence(c float64) {
	r.Confidence = clampConfidence(c)
}

// Clone returns a deep copy; point slices are not shared with r.
func (r *CaptchaResult) Clone() *CaptchaResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ClickPoints = slices.Clone(r.ClickPoints)
	cp.GestureTrack = slices.Clone(r.GestureTrack)
	cp.Trajectory = slices.Clone(r.Trajectory)
	return &cp
}

var errMixedResult = errors.New("inconsistent captcha result")

// Validate checks the success/failure exclusivity of the result.
func (r *CaptchaResult) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil result", errMixedResult)
	}
	if !r.Success {
		if strings.TrimSpace(r.ErrorMessage) == "" {
			return fmt.Errorf("%w: failure without error message", errMixedResult)
		}
		return nil
	}
	if r.ErrorMessage != "" {
		return fmt.Errorf("%w: success with error message %q", errMixedResult, r.ErrorMessage)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f out of range", errMixedResult, r.Confidence)
	}

	ok := false
	switch r.Type {
	case TypeImage, TypeSMS:
		ok = r.Text != ""
	case TypeSlider:
		ok = r.SliderOffset > 0
	case TypeClick:
		ok = len(r.ClickPoints) > 0
	case TypeGesture:
		ok = len(r.GestureTrack) > 0 || len(r.ClickPoints) > 0
	case TypeRotate:
		// Zero degrees is a valid answer.
		ok = true
	case TypeRecaptcha, TypeHcaptcha:
		ok = r.Token != ""
	}
	if !ok {
		return fmt.Errorf("%w: success without %s payload", errMixedResult, r.Type.Label())
	}
	return nil
}
