// Package slider turns an image-analysis detection into the distance a
// slider has to travel.
package slider

import (
	"context"
	"time"

	"captcha_engine/internal/analysis"
	"captcha_engine/internal/logbus"
)

const (
	MethodTemplateMatching = "template_matching"
	MethodEdgeAnalysis     = "edge_analysis"
	MethodUnavailable      = "detector unavailable"
)

// Analyzer is the image-analysis collaborator. *analysis.Client
// implements it.
type Analyzer interface {
	DetectSlider(ctx context.Context, background, template []byte, targetWidth int) (*analysis.SliderDetection, error)
	Available(ctx context.Context) bool
}

// Fetcher downloads images. *fetch.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Config struct {
	// DefaultGapWidth is assumed when the analyzer reports no width; the
	// gap center is then estimated as offset + DefaultGapWidth/2.
	DefaultGapWidth int
	// TargetWidth is the rendered background width used when Detect is
	// called without one.
	TargetWidth int
}

func DefaultConfig() Config {
	return Config{DefaultGapWidth: 50, TargetWidth: 340}
}

// Detection is what the analyzer found, with defaults applied.
type Detection struct {
	Success      bool    `json:"success"`
	Offset       int     `json:"offset"`
	GapCenter    int     `json:"gapCenter"`
	GapWidth     int     `json:"gapWidth"`
	Confidence   float64 `json:"confidence"`
	Method       string  `json:"method,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
}

// Result is a Detection plus the slide arithmetic. Failed results carry
// Success=false and ErrorMessage.
type Result struct {
	Detection
	SliderCenter  int   `json:"sliderCenter"`
	SlideDistance int   `json:"slideDistance"`
	CostMs        int64 `json:"costMs"`
}

type Detector struct {
	analyzer Analyzer
	fetcher  Fetcher
	cfg      Config
	bus      *logbus.Bus
}

func New(analyzer Analyzer, fetcher Fetcher, cfg Config, bus *logbus.Bus) *Detector {
	def := DefaultConfig()
	if cfg.DefaultGapWidth <= 0 {
		cfg.DefaultGapWidth = def.DefaultGapWidth
	}
	if cfg.TargetWidth <= 0 {
		cfg.TargetWidth = def.TargetWidth
	}
	return &Detector{analyzer: analyzer, fetcher: fetcher, cfg: cfg, bus: bus}
}

func (d *Detector) Config() Config { return d.cfg }

// Available reports whether the analyzer can currently be used.
func (d *Detector) Available(ctx context.Context) bool {
	return d.analyzer != nil && d.analyzer.Available(ctx)
}

func failed(start time.Time, sliderCenter int, method, msg string) *Result {
	return &Result{
		Detection:    Detection{Method: method, ErrorMessage: msg},
		SliderCenter: sliderCenter,
		CostMs:       time.Since(start).Milliseconds(),
	}
}

// Detect locates the gap in background and computes how far a slider whose
// center is at sliderCenter must move. A nil piece switches the analyzer
// from template matching to single-image analysis. It never returns nil.
func (d *Detector) Detect(ctx context.Context, background, piece []byte, sliderCenter, targetWidth int) *Result {
	start := time.Now()
	if len(background) == 0 {
		return failed(start, sliderCenter, "", "background image is empty")
	}
	if !d.Available(ctx) {
		return failed(start, sliderCenter, MethodUnavailable, "image analysis service unavailable")
	}
	if targetWidth <= 0 {
		targetWidth = d.cfg.TargetWidth
	}
	method := MethodEdgeAnalysis
	if len(piece) > 0 {
		method = MethodTemplateMatching
	}

	det, err := d.analyzer.DetectSlider(ctx, background, piece, targetWidth)
	if err != nil {
		d.bus.Log("warn", "slider gap detection failed", map[string]any{"method": method, "error": err.Error()})
		return failed(start, sliderCenter, method, "gap detection failed: "+err.Error())
	}
	if det == nil {
		return failed(start, sliderCenter, method, "gap detection returned no result")
	}

	gapCenter := det.GapCenter
	if gapCenter <= 0 {
		gapCenter = det.Offset + d.cfg.DefaultGapWidth/2
	}
	gapWidth := det.GapWidth
	if gapWidth <= 0 {
		gapWidth = d.cfg.DefaultGapWidth
	}

	distance := gapCenter - sliderCenter
	if distance <= 0 {
		d.bus.Log("debug", "slide distance not positive, using raw offset", map[string]any{
			"gapCenter":    gapCenter,
			"sliderCenter": sliderCenter,
			"offset":       det.Offset,
		})
		distance = det.Offset
	}

	res := &Result{
		Detection: Detection{
			Success:    true,
			Offset:     det.Offset,
			GapCenter:  gapCenter,
			GapWidth:   gapWidth,
			Confidence: det.Confidence,
			Method:     method,
		},
		SliderCenter:  sliderCenter,
		SlideDistance: distance,
		CostMs:        time.Since(start).Milliseconds(),
	}
	d.bus.Log("info", "slider gap detected", map[string]any{
		"offset":        res.Offset,
		"gapCenter":     res.GapCenter,
		"gapWidth":      res.GapWidth,
		"sliderCenter":  sliderCenter,
		"slideDistance": distance,
		"confidence":    res.Confidence,
		"method":        method,
		"costMs":        res.CostMs,
	})
	return res
}
