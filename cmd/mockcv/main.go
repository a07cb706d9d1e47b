package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"captcha_engine/internal/model"
)

// Deterministic stand-ins for the image-analysis service, the ddddocr
// service and the 2Captcha API, for local runs of captchactl.
func main() {
	addr := flag.String("addr", ":8090", "listen address")
	ocrText := flag.String("ocr-text", "a1b2", "text returned by /ocr/b64/text")
	angle := flag.Int("angle", 90, "angle returned by /rotate/detect")
	balance := flag.Float64("balance", 9.5, "balance reported by res.php?action=getbalance")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("/slider/detect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		bg, err := model.DecodeBase64Image(r.FormValue("background"))
		if err != nil || len(bg) == 0 {
			writeJSON(w, map[string]any{"success": false, "message": "background is required"})
			return
		}
		width := 300
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(bg)); err == nil && cfg.Width > 0 {
			width = cfg.Width
		}
		const gapWidth = 50
		offset := width * 3 / 5
		ratio := 1.0
		if tw, _ := strconv.Atoi(r.FormValue("target_width")); tw > 0 {
			ratio = float64(tw) / float64(width)
		}
		confidence := 0.72
		if r.FormValue("slider") != "" {
			confidence = 0.91
		}
		scaled := int(float64(offset)*ratio + 0.5)
		writeJSON(w, map[string]any{
			"success":           true,
			"offset":            scaled,
			"confidence":        confidence,
			"original_offset":   offset,
			"original_width":    width,
			"scale_ratio":       ratio,
			"gap_center":        offset + gapWidth/2,
			"scaled_gap_center": int(float64(offset+gapWidth/2)*ratio + 0.5),
			"gap_width":         int(gapWidth*ratio + 0.5),
		})
	})

	mux.HandleFunc("/rotate/detect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.FormValue("image") == "" {
			writeJSON(w, map[string]any{"success": false, "message": "image is required"})
			return
		}
		writeJSON(w, map[string]any{"success": true, "angle": *angle, "confidence": 0.8})
	})

	mux.HandleFunc("/ocr/b64/text", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Image string `json:"image"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Image == "" {
			writeJSON(w, map[string]any{"result": ""})
			return
		}
		writeJSON(w, map[string]any{"result": *ocrText})
	})

	var seq atomic.Int64
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("key") == "" {
			writeJSON(w, map[string]any{"status": 0, "request": "ERROR_WRONG_USER_KEY"})
			return
		}
		id := seq.Add(1)
		prefix := "txt"
		switch r.FormValue("method") {
		case "userrecaptcha", "hcaptcha":
			prefix = "tok"
		}
		if r.FormValue("coordinatescaptcha") == "1" {
			prefix = "xy"
		}
		writeJSON(w, map[string]any{"status": 1, "request": fmt.Sprintf("%s-%d", prefix, id)})
	})

	mux.HandleFunc("/res.php", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("action") {
		case "getbalance":
			_, _ = fmt.Fprintf(w, "%.2f", *balance)
		case "reportgood", "reportbad":
			writeJSON(w, map[string]any{"status": 1, "request": "OK_REPORT_RECORDED"})
		case "get":
			id := q.Get("id")
			switch {
			case len(id) > 3 && id[:3] == "tok":
				writeJSON(w, map[string]any{"status": 1, "request": "mock-token-" + id})
			case len(id) > 2 && id[:2] == "xy":
				writeJSON(w, map[string]any{"status": 1, "request": []map[string]string{
					{"x": "40", "y": "60"}, {"x": "120", "y": "80"},
				}})
			default:
				writeJSON(w, map[string]any{"status": 1, "request": *ocrText})
			}
		default:
			writeJSON(w, map[string]any{"status": 0, "request": "ERROR_WRONG_ACTION"})
		}
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("mockcv listening on %s", *addr)
	log.Fatal(server.ListenAndServe())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
