package slider

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
)

var styleURLPattern = regexp.MustCompile(`background-image:\s*url\(["']?([^"')]+)["']?\)`)

var ErrNoImageURL = errors.New("slider: no background-image url in style")

// ExtractImageURL pulls the url out of a "background-image: url(...)"
// declaration and reverses HTML entity escaping.
func ExtractImageURL(style string) (string, bool) {
	m := styleURLPattern.FindStringSubmatch(style)
	if len(m) < 2 {
		return "", false
	}
	u := strings.TrimSpace(html.UnescapeString(m[1]))
	if u == "" {
		return "", false
	}
	return u, true
}

// FetchStyleImage downloads the image referenced by a CSS style string.
func (d *Detector) FetchStyleImage(ctx context.Context, style string) ([]byte, error) {
	u, ok := ExtractImageURL(style)
	if !ok {
		return nil, ErrNoImageURL
	}
	if d.fetcher == nil {
		return nil, fmt.Errorf("slider: no fetcher configured for %s", u)
	}
	return d.fetcher.Fetch(ctx, u)
}

// DetectStyle is Detect with the background given as a CSS style string.
// Download failures are reported as a failed result.
func (d *Detector) DetectStyle(ctx context.Context, backgroundStyle string, piece []byte, sliderCenter, targetWidth int) *Result {
	start := time.Now()
	bg, err := d.FetchStyleImage(ctx, backgroundStyle)
	if err != nil {
		d.bus.Log("warn", "slider background download failed", map[string]any{"error": err.Error()})
		return failed(start, sliderCenter, "", "background download failed: "+err.Error())
	}
	return d.Detect(ctx, bg, piece, sliderCenter, targetWidth)
}
