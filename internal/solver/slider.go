package solver

import (
	"context"
	"fmt"

	"captcha_engine/internal/logbus"
	"captcha_engine/internal/model"
	"captcha_engine/internal/slider"
)

// Extras read by the slider solver.
const (
	// ExtraSliderCenter is the slider's current displayed center.
	ExtraSliderCenter = "sliderCenter"
	// ExtraSliderPosition is the slider's left position in native image
	// pixels, converted with the vendor profile.
	ExtraSliderPosition = "sliderPosition"
	ExtraTargetWidth    = "targetWidth"
)

type SliderOptions struct {
	// MinConfidence rejects detections below it. Zero accepts all.
	MinConfidence float64
}

// Slider solves slider captchas with the gap detector.
type Slider struct {
	det     *slider.Detector
	fetcher Fetcher
	opts    SliderOptions
	bus     *logbus.Bus
	fb      feedback
}

func NewSlider(det *slider.Detector, f Fetcher, opts SliderOptions, bus *logbus.Bus) *Slider {
	return &Slider{det: det, fetcher: f, opts: opts, bus: bus}
}

func (s *Slider) Name() string                        { return "slider-gap" }
func (s *Slider) SupportedType() model.CaptchaType    { return model.TypeSlider }
func (s *Slider) Priority() int                       { return 20 }
func (s *Slider) Available(ctx context.Context) bool  { return s.det.Available(ctx) }
func (s *Slider) ReportResult(_ string, success bool) { s.fb.record(success) }

// geometry resolves the slider center and the rendered width for req.
func (s *Slider) geometry(req *model.CaptchaRequest) (center, width int) {
	profile := req.Vendor.Profile()
	cfg := s.det.Config()

	width = cfg.TargetWidth
	if profile.DisplayWidth > 0 {
		width = profile.DisplayWidth
	}
	width = req.ExtraInt(ExtraTargetWidth, width)

	if c := req.ExtraInt(ExtraSliderCenter, -1); c >= 0 {
		return c, width
	}
	if pos := req.ExtraInt(ExtraSliderPosition, -1); pos >= 0 {
		if profile.NativeWidth > 0 {
			return profile.SliderCenterFromNative(pos), width
		}
		return pos + cfg.DefaultGapWidth/2, width
	}
	if profile.DefaultSliderCenter > 0 {
		return profile.DefaultSliderCenter, width
	}
	// A piece as wide as the gap starting at x=0.
	return cfg.DefaultGapWidth / 2, width
}

func (s *Slider) Solve(ctx context.Context, req *model.CaptchaRequest) (*model.CaptchaResult, error) {
	center, width := s.geometry(req)

	var piece []byte
	if len(req.Slider) > 0 || req.SliderURL != "" {
		b, err := loadImage(ctx, s.fetcher, req.Slider, req.SliderURL)
		if err != nil {
			s.bus.Log("warn", "slider piece unavailable, using single image analysis", map[string]any{
				"taskId": req.TaskID,
				"error":  err.Error(),
			})
		} else {
			piece = b
		}
	}

	var res *slider.Result
	switch {
	case len(req.Background) > 0:
		res = s.det.Detect(ctx, req.Background, piece, center, width)
	case req.BackgroundURL != "":
		bg, err := loadImage(ctx, s.fetcher, nil, req.BackgroundURL)
		if err != nil {
			return model.FailWithType(model.TypeSlider, "background download failed: "+err.Error()), nil
		}
		res = s.det.Detect(ctx, bg, piece, center, width)
	default:
		res = s.det.DetectStyle(ctx, req.BackgroundStyle, piece, center, width)
	}

	if !res.Success {
		return model.FailWithType(model.TypeSlider, res.ErrorMessage), nil
	}
	if res.Confidence < s.opts.MinConfidence {
		return model.FailWithType(model.TypeSlider,
			fmt.Sprintf("gap confidence %.2f below %.2f", res.Confidence, s.opts.MinConfidence)), nil
	}
	if res.SlideDistance <= 0 {
		return model.FailWithType(model.TypeSlider, "gap detector returned no travel distance"), nil
	}
	return model.OffsetResult(res.SlideDistance, s.fb.adjust(res.Confidence)), nil
}
