package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"captcha_engine/internal/config"
	"captcha_engine/internal/model"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestDetectSlider_SendsFormAndParses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/slider/detect" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("background") != model.EncodeBase64Image([]byte("bg")) {
			t.Errorf("background = %q", r.PostForm.Get("background"))
		}
		if r.PostForm.Get("slider") != model.EncodeBase64Image([]byte("piece")) {
			t.Errorf("slider = %q", r.PostForm.Get("slider"))
		}
		if r.PostForm.Get("target_width") != "340" {
			t.Errorf("target_width = %q", r.PostForm.Get("target_width"))
		}
		writeJSON(w, map[string]any{
			"success":           true,
			"offset":            40,
			"confidence":        0.93,
			"original_offset":   79,
			"original_width":    672,
			"scaled_gap_center": 65,
			"gap_center":        128,
			"gap_width":         50,
		})
	}))
	defer srv.Close()

	c := New(config.AnalysisConfig{URLs: []string{srv.URL}}, nil)
	d, err := c.DetectSlider(context.Background(), []byte("bg"), []byte("piece"), 340)
	if err != nil {
		t.Fatalf("DetectSlider: %v", err)
	}
	if d.Offset != 40 || d.GapCenter != 65 || d.GapWidth != 50 || d.OriginalWidth != 672 {
		t.Fatalf("detection = %+v", d)
	}
}

func TestDetectSlider_RoundRobinSkipsBrokenServer(t *testing.T) {
	var brokenHits atomic.Int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokenHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true, "offset": 12, "confidence": 0.5, "gap_center": 37})
	}))
	defer good.Close()

	c := New(config.AnalysisConfig{URLs: []string{broken.URL, good.URL}}, nil)
	d, err := c.DetectSlider(context.Background(), []byte("bg"), nil, 0)
	if err != nil {
		t.Fatalf("DetectSlider: %v", err)
	}
	if d.GapCenter != 37 {
		t.Fatalf("gap center fallback = %d", d.GapCenter)
	}
	if brokenHits.Load() != 1 {
		t.Fatalf("broken server hits = %d", brokenHits.Load())
	}
}

func TestDetectSlider_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": false, "message": "no gap"})
	}))
	defer srv.Close()

	c := New(config.AnalysisConfig{URLs: []string{srv.URL}}, nil)
	if _, err := c.DetectSlider(context.Background(), []byte("bg"), nil, 0); !errors.Is(err, ErrNotDetected) {
		t.Fatalf("err = %v, want ErrNotDetected", err)
	}

	none := New(config.AnalysisConfig{}, nil)
	if _, err := none.DetectSlider(context.Background(), []byte("bg"), nil, 0); !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	c = New(config.AnalysisConfig{URLs: []string{down.URL}}, nil)
	if _, err := c.DetectSlider(context.Background(), []byte("bg"), nil, 0); !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestDetectRotate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rotate/detect" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		if r.PostForm.Get("image") == "" {
			t.Errorf("image form field missing")
		}
		writeJSON(w, map[string]any{"success": true, "angle": 135, "confidence": 0.7})
	}))
	defer srv.Close()

	c := New(config.AnalysisConfig{URLs: []string{srv.URL}}, nil)
	d, err := c.DetectRotate(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("DetectRotate: %v", err)
	}
	if d.Angle != 135 || d.Confidence != 0.7 {
		t.Fatalf("rotate = %+v", d)
	}
}

func TestAvailable_CachesPing(t *testing.T) {
	var pings atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			pings.Add(1)
			_, _ = w.Write([]byte("pong"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(config.AnalysisConfig{URLs: []string{srv.URL}, HealthTTLMs: 60_000}, nil)
	for i := 0; i < 3; i++ {
		if !c.Available(context.Background()) {
			t.Fatalf("expected available")
		}
	}
	if pings.Load() != 1 {
		t.Fatalf("pings = %d, want 1", pings.Load())
	}

	if New(config.AnalysisConfig{}, nil).Available(context.Background()) {
		t.Fatalf("client without urls reported available")
	}

	srv.Close()
	dead := New(config.AnalysisConfig{URLs: []string{srv.URL}}, nil)
	if dead.Available(context.Background()) {
		t.Fatalf("closed server reported available")
	}
}
