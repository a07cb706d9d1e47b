package solver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"captcha_engine/internal/logbus"
	"captcha_engine/internal/model"
	"captcha_engine/internal/ocr"
)

// Recognizer is an OCR backend. *ocr.Client implements it.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (string, error)
	Available(ctx context.Context) bool
}

type ImageOptions struct {
	MinLength int
	MaxLength int
}

// Image reads text captchas through a local OCR service.
type Image struct {
	ocr     Recognizer
	fetcher Fetcher
	opts    ImageOptions
	bus     *logbus.Bus
	fb      feedback
}

const imageConfidence = 0.8

func NewImage(r Recognizer, f Fetcher, opts ImageOptions, bus *logbus.Bus) *Image {
	if opts.MinLength <= 0 {
		opts.MinLength = 4
	}
	if opts.MaxLength < opts.MinLength {
		opts.MaxLength = max(6, opts.MinLength)
	}
	return &Image{ocr: r, fetcher: f, opts: opts, bus: bus}
}

func (s *Image) Name() string                     { return "ocr-" + s.ocr.Name() }
func (s *Image) SupportedType() model.CaptchaType { return model.TypeImage }
func (s *Image) Priority() int                    { return 10 }

func (s *Image) Available(ctx context.Context) bool {
	return s.ocr != nil && s.ocr.Available(ctx)
}

func (s *Image) ReportResult(_ string, success bool) { s.fb.record(success) }

func (s *Image) Solve(ctx context.Context, req *model.CaptchaRequest) (*model.CaptchaResult, error) {
	img, err := loadImage(ctx, s.fetcher, req.Image, req.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("load captcha image: %w", err)
	}
	text, err := s.ocr.Recognize(ctx, img)
	if errors.Is(err, ocr.ErrEmptyText) {
		return model.FailWithType(model.TypeImage, "ocr returned no text"), nil
	}
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if !s.validLength(text) {
		s.bus.Log("debug", "ocr text rejected by length", map[string]any{"taskId": req.TaskID, "text": text})
		return model.FailWithType(model.TypeImage, fmt.Sprintf("ocr text %q outside length %d-%d", text, s.opts.MinLength, s.opts.MaxLength)), nil
	}
	return model.TextResult(text, s.fb.adjust(imageConfidence)), nil
}

func (s *Image) validLength(text string) bool {
	n := utf8.RuneCountInString(text)
	return n >= s.opts.MinLength && n <= s.opts.MaxLength
}
