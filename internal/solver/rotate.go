package solver

import (
	"context"
	"errors"
	"fmt"

	"captcha_engine/internal/analysis"
	"captcha_engine/internal/model"
)

// RotateAnalyzer estimates rotation. *analysis.Client implements it.
type RotateAnalyzer interface {
	DetectRotate(ctx context.Context, image []byte) (*analysis.RotateDetection, error)
	Available(ctx context.Context) bool
}

// Rotate asks the image-analysis service for the correcting angle.
type Rotate struct {
	analyzer RotateAnalyzer
	fetcher  Fetcher
	fb       feedback
}

func NewRotate(a RotateAnalyzer, f Fetcher) *Rotate {
	return &Rotate{analyzer: a, fetcher: f}
}

func (s *Rotate) Name() string                        { return "rotate-analysis" }
func (s *Rotate) SupportedType() model.CaptchaType    { return model.TypeRotate }
func (s *Rotate) Priority() int                       { return 40 }
func (s *Rotate) ReportResult(_ string, success bool) { s.fb.record(success) }

func (s *Rotate) Available(ctx context.Context) bool {
	return s.analyzer != nil && s.analyzer.Available(ctx)
}

func (s *Rotate) Solve(ctx context.Context, req *model.CaptchaRequest) (*model.CaptchaResult, error) {
	img, err := loadImage(ctx, s.fetcher, req.Image, req.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("load rotate image: %w", err)
	}
	det, err := s.analyzer.DetectRotate(ctx, img)
	if errors.Is(err, analysis.ErrNotDetected) {
		return model.FailWithType(model.TypeRotate, err.Error()), nil
	}
	if err != nil {
		return nil, err
	}
	return model.AngleResult(float64(det.Angle), s.fb.adjust(det.Confidence)), nil
}
