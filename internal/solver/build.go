package solver

import (
	"fmt"

	"captcha_engine/internal/analysis"
	"captcha_engine/internal/captcha"
	"captcha_engine/internal/config"
	"captcha_engine/internal/logbus"
	"captcha_engine/internal/model"
	"captcha_engine/internal/ocr"
	"captcha_engine/internal/provider"
	"captcha_engine/internal/provider/twocaptcha"
	"captcha_engine/internal/slider"
	"captcha_engine/internal/trajectory"
)

// Deps are the shared collaborators FromConfig wires solvers to. Nil
// fields are built from the configuration.
type Deps struct {
	Fetcher   Fetcher
	Analysis  *analysis.Client
	OCR       Recognizer
	Providers []provider.Provider
	Bus       *logbus.Bus
}

// NewProviderFromConfig builds the provider client named by cfg.Name.
func NewProviderFromConfig(cfg config.ProviderConfig, bus *logbus.Bus) (provider.Provider, error) {
	switch cfg.Name {
	case "2captcha", "twocaptcha", "rucaptcha":
		return twocaptcha.New(cfg, bus), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// FromConfig returns every solver enabled in cfg, unsorted.
func FromConfig(cfg config.Config, deps Deps) ([]captcha.Solver, error) {
	bus := deps.Bus
	if deps.Analysis == nil && len(cfg.Analysis.URLs) > 0 {
		deps.Analysis = analysis.New(cfg.Analysis, bus)
	}
	if deps.OCR == nil && cfg.OCR.On() && len(cfg.OCR.URLs) > 0 {
		deps.OCR = ocr.New(cfg.OCR, bus)
	}

	var out []captcha.Solver

	if deps.OCR != nil {
		out = append(out, NewImage(deps.OCR, deps.Fetcher, ImageOptions{
			MinLength: cfg.Image.MinLength,
			MaxLength: cfg.Image.MaxLength,
		}, bus))
	}

	if deps.Analysis != nil && cfg.Slider.On() {
		det := slider.New(deps.Analysis, deps.Fetcher, slider.Config{
			DefaultGapWidth: cfg.Slider.DefaultGapWidth,
			TargetWidth:     cfg.Slider.TargetWidth,
		}, bus)
		var s captcha.Solver = NewSlider(det, deps.Fetcher, SliderOptions{MinConfidence: cfg.Slider.MinConfidence}, bus)
		if cfg.Slider.TrajectoryOn() {
			s = WithTrajectory(s, trajectory.New(trajectory.WithConfig(trajectory.Config{
				Overshoot:         cfg.Trajectory.OvershootPx(),
				DecelerationRatio: cfg.Trajectory.DecelerationRatio,
				TimeStep:          cfg.Trajectory.TimeStep,
			})))
		}
		out = append(out, s)
	}

	if deps.Analysis != nil && cfg.Rotate.On() {
		out = append(out, NewRotate(deps.Analysis, deps.Fetcher))
	}

	if cfg.Gesture.On() {
		out = append(out, NewGesture())
	}

	providers := deps.Providers
	priorities := make(map[string]int)
	typesOf := make(map[string][]model.CaptchaType)
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		priorities[pc.Name] = pc.Priority
		for _, t := range pc.Types {
			typesOf[pc.Name] = append(typesOf[pc.Name], model.ParseCaptchaType(t))
		}
		if deps.Providers != nil {
			continue
		}
		p, err := NewProviderFromConfig(pc, bus)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	for _, p := range providers {
		for _, s := range ProviderSolvers(p, typesOf[p.Name()], priorities[p.Name()], deps.Fetcher, bus) {
			out = append(out, s)
		}
	}
	return out, nil
}
