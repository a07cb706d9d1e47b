package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"captcha_engine/internal/config"
	"captcha_engine/internal/model"
)

func TestRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ocr/b64/text":
			var in struct {
				Image string `json:"image"`
			}
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if in.Image != model.EncodeBase64Image([]byte("img")) {
				t.Errorf("image = %q", in.Image)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"result":"x7Kp"}`))
		case "/ping":
			_, _ = w.Write([]byte("pong"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(config.OCRConfig{URLs: []string{srv.URL}}, nil)
	text, err := c.Recognize(context.Background(), []byte("img"))
	if err != nil || text != "x7Kp" {
		t.Fatalf("Recognize = %q, %v", text, err)
	}
	if !c.Available(context.Background()) {
		t.Fatalf("expected available")
	}
}

func TestRecognize_FailsOverAndReportsUnavailable(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ab12\n"))
	}))
	defer good.Close()

	c := New(config.OCRConfig{URLs: []string{bad.URL, good.URL}}, nil)
	text, err := c.Recognize(context.Background(), []byte("img"))
	if err != nil || text != "ab12" {
		t.Fatalf("Recognize = %q, %v", text, err)
	}

	only := New(config.OCRConfig{URLs: []string{bad.URL}}, nil)
	if _, err := only.Recognize(context.Background(), []byte("img")); !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if only.Available(context.Background()) {
		t.Fatalf("503 instance reported available")
	}
}

func TestParseText(t *testing.T) {
	cases := map[string]string{
		`{"result":"abcd"}`: "abcd",
		` "wxyz" `:          "wxyz",
		`{"result":""}`:     "",
		"plain":             "plain",
	}
	for in, want := range cases {
		if got := parseText([]byte(in)); got != want {
			t.Fatalf("parseText(%q) = %q, want %q", in, got, want)
		}
	}
}
