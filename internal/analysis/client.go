// Package analysis is the client for the remote image-analysis service
// (slider gap detection and rotation estimation).
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"captcha_engine/internal/config"
	"captcha_engine/internal/logbus"
	"captcha_engine/internal/model"
)

// ErrNotDetected is returned when the service answered but found nothing.
var ErrNotDetected = errors.New("analysis: nothing detected")

// SliderDetection is the service's answer for a slider background. Offset
// and the gap fields are already rescaled when a target width was sent;
// GapCenter and GapWidth are zero when the service did not report them.
type SliderDetection struct {
	Offset         int     `json:"offset"`
	Confidence     float64 `json:"confidence"`
	OriginalOffset int     `json:"original_offset"`
	OriginalWidth  int     `json:"original_width"`
	ScaleRatio     float64 `json:"scale_ratio"`
	GapCenter      int     `json:"gap_center"`
	GapWidth       int     `json:"gap_width"`
}

type RotateDetection struct {
	Angle      int     `json:"angle"`
	Confidence float64 `json:"confidence"`
}

type sliderResponse struct {
	Success         bool    `json:"success"`
	Message         string  `json:"message"`
	Offset          int     `json:"offset"`
	Confidence      float64 `json:"confidence"`
	OriginalOffset  int     `json:"original_offset"`
	OriginalWidth   int     `json:"original_width"`
	ScaleRatio      float64 `json:"scale_ratio"`
	ScaledGapCenter int     `json:"scaled_gap_center"`
	GapCenter       int     `json:"gap_center"`
	GapWidth        int     `json:"gap_width"`
}

type rotateResponse struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message"`
	Angle      int     `json:"angle"`
	Confidence float64 `json:"confidence"`
}

type Client struct {
	urls      []string
	http      *resty.Client
	bus       *logbus.Bus
	healthTTL time.Duration

	rr atomic.Uint64

	mu      sync.Mutex
	checked time.Time
	healthy bool
}

func New(cfg config.AnalysisConfig, bus *logbus.Bus) *Client {
	client := resty.New().
		SetTimeout(cfg.Timeout()).
		SetRetryCount(cfg.Retry.Count).
		SetRetryWaitTime(cfg.Retry.Wait()).
		SetRetryMaxWaitTime(cfg.Retry.MaxWait()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		bus.Log("debug", "analysis request", map[string]any{
			"method": req.Method,
			"url":    req.URL,
		})
		return nil
	})

	return &Client{
		urls:      append([]string(nil), cfg.URLs...),
		http:      client,
		bus:       bus,
		healthTTL: cfg.HealthTTL(),
	}
}

func (c *Client) next() string {
	n := uint64(len(c.urls))
	return c.urls[(c.rr.Add(1)-1)%n]
}

func (c *Client) attempts() int {
	return max(2, len(c.urls))
}

// DetectSlider posts the background and optional template to
// /slider/detect. targetWidth <= 0 leaves coordinates at native scale.
func (c *Client) DetectSlider(ctx context.Context, background, template []byte, targetWidth int) (*SliderDetection, error) {
	if len(c.urls) == 0 {
		return nil, fmt.Errorf("%w: no analysis urls configured", model.ErrUnavailable)
	}
	form := map[string]string{
		"background": model.EncodeBase64Image(background),
		"slider":     "",
	}
	if len(template) > 0 {
		form["slider"] = model.EncodeBase64Image(template)
	}
	if targetWidth > 0 {
		form["target_width"] = strconv.Itoa(targetWidth)
	}

	var lastErr error
	for i := 0; i < c.attempts(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base := c.next()
		var out sliderResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetFormData(form).
			SetResult(&out).
			Post(base + "/slider/detect")
		if err != nil {
			lastErr = err
			c.bus.Log("warn", "analysis slider call failed", map[string]any{"url": base, "error": err.Error()})
			continue
		}
		if resp.IsError() {
			lastErr = fmt.Errorf("analysis %s: http %d", base, resp.StatusCode())
			c.bus.Log("warn", "analysis slider bad status", map[string]any{"url": base, "status": resp.StatusCode()})
			continue
		}
		if !out.Success {
			return nil, fmt.Errorf("%w: %s", ErrNotDetected, out.Message)
		}

		d := &SliderDetection{
			Offset:         out.Offset,
			Confidence:     out.Confidence,
			OriginalOffset: out.OriginalOffset,
			OriginalWidth:  out.OriginalWidth,
			ScaleRatio:     out.ScaleRatio,
			GapCenter:      out.ScaledGapCenter,
			GapWidth:       out.GapWidth,
		}
		if d.GapCenter <= 0 {
			d.GapCenter = out.GapCenter
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, lastErr)
}

// DetectRotate posts the image to /rotate/detect.
func (c *Client) DetectRotate(ctx context.Context, image []byte) (*RotateDetection, error) {
	if len(c.urls) == 0 {
		return nil, fmt.Errorf("%w: no analysis urls configured", model.ErrUnavailable)
	}
	form := map[string]string{"image": model.EncodeBase64Image(image)}

	var lastErr error
	for i := 0; i < c.attempts(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base := c.next()
		var out rotateResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetFormData(form).
			SetResult(&out).
			Post(base + "/rotate/detect")
		if err != nil {
			lastErr = err
			continue
		}
		if resp.IsError() {
			lastErr = fmt.Errorf("analysis %s: http %d", base, resp.StatusCode())
			continue
		}
		if !out.Success {
			return nil, fmt.Errorf("%w: %s", ErrNotDetected, out.Message)
		}
		return &RotateDetection{Angle: out.Angle, Confidence: out.Confidence}, nil
	}
	return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, lastErr)
}

// Available reports whether any configured service answers /ping. The
// answer is cached for the configured health TTL.
func (c *Client) Available(ctx context.Context) bool {
	if len(c.urls) == 0 {
		return false
	}
	c.mu.Lock()
	if !c.checked.IsZero() && time.Since(c.checked) < c.healthTTL {
		ok := c.healthy
		c.mu.Unlock()
		return ok
	}
	c.mu.Unlock()

	ok := c.ping(ctx)

	c.mu.Lock()
	c.checked = time.Now()
	c.healthy = ok
	c.mu.Unlock()
	return ok
}

func (c *Client) ping(ctx context.Context) bool {
	for _, base := range c.urls {
		resp, err := c.http.R().SetContext(ctx).Get(base + "/ping")
		if err == nil && resp.IsSuccess() {
			return true
		}
		if err != nil {
			c.bus.Log("debug", "analysis ping failed", map[string]any{"url": base, "error": err.Error()})
		}
	}
	return false
}
