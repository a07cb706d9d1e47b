package solver

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"captcha_engine/internal/model"
)

// Gesture patterns as cell indexes on a 3x3 grid, row-major from the top
// left. Order matters: the first letter found in the hint wins.
var gesturePatterns = []struct {
	letter string
	cells  []int
}{
	{"Z", []int{0, 1, 2, 4, 6, 7, 8}},
	{"N", []int{6, 3, 0, 4, 8, 5, 2}},
	{"L", []int{0, 3, 6, 7, 8}},
	{"7", []int{0, 1, 2, 4, 6}},
	{"M", []int{6, 3, 0, 4, 2, 5, 8}},
	{"S", []int{2, 1, 0, 4, 8, 7, 6}},
	{"C", []int{2, 1, 0, 3, 6, 7, 8}},
	{"U", []int{0, 3, 6, 7, 8, 5, 2}},
	{"V", []int{0, 4, 8, 4, 2}},
	{"X", []int{0, 4, 8, 4, 2, 4, 6}},
}

// defaultGridSide is the image side assumed when the image cannot be
// decoded; cell centers land on 50, 150 and 250.
const defaultGridSide = 300

const gestureConfidence = 0.9

// Gesture maps a hint such as "draw Z" to a track over a 3x3 grid.
type Gesture struct {
	fb feedback
}

func NewGesture() *Gesture { return &Gesture{} }

func (s *Gesture) Name() string                        { return "gesture-pattern" }
func (s *Gesture) SupportedType() model.CaptchaType    { return model.TypeGesture }
func (s *Gesture) Priority() int                       { return 30 }
func (s *Gesture) Available(context.Context) bool      { return true }
func (s *Gesture) ReportResult(_ string, success bool) { s.fb.record(success) }

func (s *Gesture) Solve(_ context.Context, req *model.CaptchaRequest) (*model.CaptchaResult, error) {
	cells := matchPattern(req.GestureHint)
	if cells == nil {
		return model.FailWithType(model.TypeGesture, "no known gesture pattern in hint "+req.GestureHint), nil
	}
	w, h := defaultGridSide, defaultGridSide
	if len(req.Image) > 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Image)); err == nil && cfg.Width > 0 && cfg.Height > 0 {
			w, h = cfg.Width, cfg.Height
		}
	}
	return model.GestureResult(gridTrack(cells, w, h), s.fb.adjust(gestureConfidence)), nil
}

// matchPattern prefers an exact letter, then the first listed letter the
// hint contains.
func matchPattern(hint string) []int {
	h := strings.ToUpper(strings.TrimSpace(hint))
	if h == "" {
		return nil
	}
	for _, p := range gesturePatterns {
		if h == p.letter {
			return p.cells
		}
	}
	for _, p := range gesturePatterns {
		if strings.Contains(h, p.letter) {
			return p.cells
		}
	}
	return nil
}

func gridTrack(cells []int, w, h int) []model.Point {
	out := make([]model.Point, 0, len(cells))
	for _, c := range cells {
		col, row := c%3, c/3
		out = append(out, model.Point{
			X: w * (2*col + 1) / 6,
			Y: h * (2*row + 1) / 6,
		})
	}
	return out
}
