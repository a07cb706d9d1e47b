package solver

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"reflect"
	"testing"

	"captcha_engine/internal/analysis"
	"captcha_engine/internal/captcha"
	"captcha_engine/internal/model"
	"captcha_engine/internal/ocr"
	"captcha_engine/internal/slider"
	"captcha_engine/internal/trajectory"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

type fakeOCR struct {
	text string
	err  error
	down bool
	got  []byte
}

func (f *fakeOCR) Name() string                   { return "fake" }
func (f *fakeOCR) Available(context.Context) bool { return !f.down }
func (f *fakeOCR) Recognize(_ context.Context, img []byte) (string, error) {
	f.got = img
	return f.text, f.err
}

type fakeFetcher struct {
	body map[string][]byte
	urls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.urls = append(f.urls, url)
	b, ok := f.body[url]
	if !ok {
		return nil, errors.New("404")
	}
	return b, nil
}

type fakeAnalyzer struct {
	down     bool
	slide    *analysis.SliderDetection
	rotate   *analysis.RotateDetection
	err      error
	template []byte
	width    int
}

func (f *fakeAnalyzer) Available(context.Context) bool { return !f.down }

func (f *fakeAnalyzer) DetectSlider(_ context.Context, _, template []byte, targetWidth int) (*analysis.SliderDetection, error) {
	f.template, f.width = template, targetWidth
	return f.slide, f.err
}

func (f *fakeAnalyzer) DetectRotate(context.Context, []byte) (*analysis.RotateDetection, error) {
	return f.rotate, f.err
}

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestImage_Solve(t *testing.T) {
	o := &fakeOCR{text: " ab12 "}
	s := NewImage(o, nil, ImageOptions{}, nil)

	res, err := s.Solve(context.Background(), model.NewImageRequest([]byte("img")))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Text != "ab12" || !near(res.Confidence, 0.8) {
		t.Fatalf("result = %+v", res)
	}
	if s.Name() != "ocr-fake" || s.Priority() != 10 || s.SupportedType() != model.TypeImage {
		t.Fatalf("identity = %s/%d/%s", s.Name(), s.Priority(), s.SupportedType())
	}

	// one bad report: (0+4)/(1+4)
	s.ReportResult("t1", false)
	res, _ = s.Solve(context.Background(), model.NewImageRequest([]byte("img")))
	if !near(res.Confidence, 0.8*0.8) {
		t.Fatalf("confidence after report = %v", res.Confidence)
	}
}

func TestImage_SoftAndHardFailures(t *testing.T) {
	ctx := context.Background()

	s := NewImage(&fakeOCR{text: "ab"}, nil, ImageOptions{}, nil)
	res, err := s.Solve(ctx, model.NewImageRequest([]byte("img")))
	if err != nil || res.Success || res.ErrorMessage == "" {
		t.Fatalf("short text: res=%+v err=%v", res, err)
	}

	s = NewImage(&fakeOCR{err: ocr.ErrEmptyText}, nil, ImageOptions{}, nil)
	res, err = s.Solve(ctx, model.NewImageRequest([]byte("img")))
	if err != nil || res.Success {
		t.Fatalf("empty text: res=%+v err=%v", res, err)
	}

	s = NewImage(&fakeOCR{err: model.ErrUnavailable}, nil, ImageOptions{}, nil)
	if _, err = s.Solve(ctx, model.NewImageRequest([]byte("img"))); !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("unavailable: err=%v", err)
	}

	// url without a fetcher
	if _, err = s.Solve(ctx, model.NewImageURLRequest("http://x/c.png")); !errors.Is(err, model.ErrInvalidRequest) {
		t.Fatalf("no fetcher: err=%v", err)
	}
}

func TestImage_DownloadsURL(t *testing.T) {
	o := &fakeOCR{text: "wxyz"}
	f := &fakeFetcher{body: map[string][]byte{"http://x/c.png": []byte("remote")}}
	s := NewImage(o, f, ImageOptions{MinLength: 4, MaxLength: 4}, nil)

	res, err := s.Solve(context.Background(), model.NewImageURLRequest("http://x/c.png"))
	if err != nil || !res.Success {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if string(o.got) != "remote" {
		t.Fatalf("ocr got %q", o.got)
	}
}

func newSlider(a *fakeAnalyzer, f Fetcher, opts SliderOptions) *Slider {
	return NewSlider(slider.New(a, f, slider.DefaultConfig(), nil), f, opts, nil)
}

func TestSlider_Geometry(t *testing.T) {
	det := &analysis.SliderDetection{Offset: 40, GapCenter: 65, GapWidth: 50, Confidence: 0.9}
	cases := []struct {
		name      string
		req       func() *model.CaptchaRequest
		wantDist  int
		wantWidth int
	}{
		{"generic default center", func() *model.CaptchaRequest {
			return model.NewSliderRequest([]byte("bg"), []byte("piece"))
		}, 40, 340},
		{"explicit center", func() *model.CaptchaRequest {
			return model.NewSliderRequest([]byte("bg"), nil).WithExtra(ExtraSliderCenter, 20)
		}, 45, 340},
		{"tencent native position", func() *model.CaptchaRequest {
			r := model.NewSliderRequest([]byte("bg"), nil).WithExtra(ExtraSliderPosition, 40)
			r.Vendor = model.VendorTencent
			return r
		}, 14, 340},
		{"tencent default center", func() *model.CaptchaRequest {
			r := model.NewSliderRequest([]byte("bg"), nil)
			r.Vendor = model.VendorTencent
			return r
		}, 25, 340},
		{"target width override", func() *model.CaptchaRequest {
			return model.NewSliderRequest([]byte("bg"), nil).WithExtra(ExtraTargetWidth, 280)
		}, 40, 280},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &fakeAnalyzer{slide: det}
			s := newSlider(a, nil, SliderOptions{})
			res, err := s.Solve(context.Background(), tc.req())
			if err != nil {
				t.Fatal(err)
			}
			if !res.Success || res.SliderOffset != tc.wantDist {
				t.Fatalf("result = %+v, want offset %d", res, tc.wantDist)
			}
			if a.width != tc.wantWidth {
				t.Fatalf("target width = %d, want %d", a.width, tc.wantWidth)
			}
			if !near(res.Confidence, 0.9) {
				t.Fatalf("confidence = %v", res.Confidence)
			}
		})
	}
}

func TestSlider_PieceAndBackgroundSources(t *testing.T) {
	det := &analysis.SliderDetection{Offset: 40, GapCenter: 65, Confidence: 0.9}
	f := &fakeFetcher{body: map[string][]byte{
		"http://x/bg.png":    []byte("bg"),
		"https://x/bg2.png":  []byte("bg2"),
		"http://x/piece.png": []byte("piece"),
	}}
	ctx := context.Background()

	a := &fakeAnalyzer{slide: det}
	s := newSlider(a, f, SliderOptions{})
	req := &model.CaptchaRequest{Type: model.TypeSlider, BackgroundURL: "http://x/bg.png", SliderURL: "http://x/piece.png"}
	if res, err := s.Solve(ctx, req); err != nil || !res.Success {
		t.Fatalf("url sources: res=%+v err=%v", res, err)
	}
	if string(a.template) != "piece" {
		t.Fatalf("template = %q", a.template)
	}

	// broken piece url falls back to single image analysis
	a = &fakeAnalyzer{slide: det}
	s = newSlider(a, f, SliderOptions{})
	req = &model.CaptchaRequest{Type: model.TypeSlider, BackgroundStyle: `background-image: url("https://x/bg2.png")`, SliderURL: "http://x/missing.png"}
	if res, err := s.Solve(ctx, req); err != nil || !res.Success {
		t.Fatalf("style source: res=%+v err=%v", res, err)
	}
	if a.template != nil {
		t.Fatalf("template should be empty, got %q", a.template)
	}

	req = &model.CaptchaRequest{Type: model.TypeSlider, BackgroundURL: "http://x/missing.png"}
	res, err := s.Solve(ctx, req)
	if err != nil || res.Success || res.Type != model.TypeSlider {
		t.Fatalf("missing background: res=%+v err=%v", res, err)
	}
}

func TestSlider_SoftFailures(t *testing.T) {
	ctx := context.Background()
	req := model.NewSliderRequest([]byte("bg"), nil)

	s := newSlider(&fakeAnalyzer{slide: &analysis.SliderDetection{Offset: 40, GapCenter: 65, Confidence: 0.3}}, nil, SliderOptions{MinConfidence: 0.5})
	res, err := s.Solve(ctx, req)
	if err != nil || res.Success {
		t.Fatalf("low confidence: res=%+v err=%v", res, err)
	}

	s = newSlider(&fakeAnalyzer{err: analysis.ErrNotDetected}, nil, SliderOptions{})
	res, err = s.Solve(ctx, req)
	if err != nil || res.Success || res.ErrorMessage == "" {
		t.Fatalf("not detected: res=%+v err=%v", res, err)
	}

	s = newSlider(&fakeAnalyzer{down: true}, nil, SliderOptions{})
	if s.Available(ctx) {
		t.Fatal("slider should follow analyzer availability")
	}
}

func TestGesture_Patterns(t *testing.T) {
	s := NewGesture()
	res, err := s.Solve(context.Background(), model.NewGestureRequest(nil, "please draw Z"))
	if err != nil {
		t.Fatal(err)
	}
	want := []model.Point{{X: 50, Y: 50}, {X: 150, Y: 50}, {X: 250, Y: 50}, {X: 150, Y: 150}, {X: 50, Y: 250}, {X: 150, Y: 250}, {X: 250, Y: 250}}
	if !res.Success || !reflect.DeepEqual(res.GestureTrack, want) {
		t.Fatalf("track = %+v", res.GestureTrack)
	}
	if !near(res.Confidence, 0.9) || !s.Available(context.Background()) {
		t.Fatalf("confidence = %v", res.Confidence)
	}
	if err := res.Validate(); err != nil {
		t.Fatal(err)
	}

	cases := map[string][]int{
		"l":      {0, 3, 6, 7, 8},
		" 7 ":    {0, 1, 2, 4, 6},
		"draw N": {6, 3, 0, 4, 8, 5, 2},
		"v":      {0, 4, 8, 4, 2},
	}
	for hint, cells := range cases {
		if got := matchPattern(hint); !reflect.DeepEqual(got, cells) {
			t.Errorf("matchPattern(%q) = %v, want %v", hint, got, cells)
		}
	}
	if matchPattern("") != nil || matchPattern("bqr") != nil {
		t.Fatal("unknown hints should not match")
	}
}

func TestGesture_ScalesToImage(t *testing.T) {
	s := NewGesture()
	res, err := s.Solve(context.Background(), model.NewGestureRequest(pngOf(t, 600, 120), "L"))
	if err != nil || !res.Success {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	want := []model.Point{{X: 100, Y: 20}, {X: 100, Y: 60}, {X: 100, Y: 100}, {X: 300, Y: 100}, {X: 500, Y: 100}}
	if !reflect.DeepEqual(res.GestureTrack, want) {
		t.Fatalf("track = %+v", res.GestureTrack)
	}

	res, _ = s.Solve(context.Background(), model.NewGestureRequest(nil, "heart"))
	if res.Success || res.Type != model.TypeGesture {
		t.Fatalf("unknown hint: %+v", res)
	}
}

func TestRotate_Solve(t *testing.T) {
	ctx := context.Background()
	a := &fakeAnalyzer{rotate: &analysis.RotateDetection{Angle: 37, Confidence: 0.8}}
	s := NewRotate(a, nil)

	res, err := s.Solve(ctx, model.NewRotateRequest([]byte("img")))
	if err != nil || !res.Success || res.RotateAngle != 37 || !near(res.Confidence, 0.8) {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if s.Priority() != 40 || !s.Available(ctx) {
		t.Fatal("identity")
	}

	a.err = analysis.ErrNotDetected
	res, err = s.Solve(ctx, model.NewRotateRequest([]byte("img")))
	if err != nil || res.Success {
		t.Fatalf("not detected: res=%+v err=%v", res, err)
	}

	a.err = model.ErrUnavailable
	if _, err = s.Solve(ctx, model.NewRotateRequest([]byte("img"))); !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("unavailable: err=%v", err)
	}
}

func TestWithTrajectory(t *testing.T) {
	a := &fakeAnalyzer{slide: &analysis.SliderDetection{Offset: 40, GapCenter: 65, Confidence: 0.9}}
	gen := trajectory.New(trajectory.WithSeed(7))
	s := WithTrajectory(newSlider(a, nil, SliderOptions{}), gen)

	if s.Name() != "slider-gap" || s.SupportedType() != model.TypeSlider {
		t.Fatal("wrapper must keep identity")
	}
	res, err := s.Solve(context.Background(), model.NewSliderRequest([]byte("bg"), nil))
	if err != nil || !res.Success {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if len(res.Trajectory) == 0 {
		t.Fatal("expected a trajectory")
	}

	a.err = analysis.ErrNotDetected
	res, _ = s.Solve(context.Background(), model.NewSliderRequest([]byte("bg"), nil))
	if res.Success || len(res.Trajectory) != 0 {
		t.Fatalf("failed result must not carry a trajectory: %+v", res)
	}

	var inner captcha.Solver = NewGesture()
	if WithTrajectory(inner, nil) != inner {
		t.Fatal("nil generator should return inner")
	}
}
