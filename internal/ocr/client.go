// Package ocr talks to ddddocr-style text recognition services.
package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"captcha_engine/internal/config"
	"captcha_engine/internal/logbus"
	"captcha_engine/internal/model"
)

const Name = "ddddocr"

var ErrEmptyText = errors.New("ocr: empty recognition result")

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

func New(cfg config.OCRConfig, bus *logbus.Bus) *Client {
	client := resty.New().
		SetTimeout(cfg.Timeout()).
		SetHeader("Content-Type", "application/json")
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		bus.Log("debug", "ocr request", map[string]any{"url": req.URL})
		return nil
	})
	return &Client{
		urls:      append([]string(nil), cfg.URLs...),
		http:      client,
		bus:       bus,
		healthTTL: cfg.HealthTTL(),
	}
}

func (c *Client) Name() string { return Name }

// Recognize returns the text in image. With several instances each one is
// tried once; a single instance is tried once.
func (c *Client) Recognize(ctx context.Context, image []byte) (string, error) {
	if len(c.urls) == 0 {
		return "", fmt.Errorf("%w: no ocr urls configured", model.ErrUnavailable)
	}
	body := map[string]string{"image": model.EncodeBase64Image(image)}

	var lastErr error
	for i := 0; i < len(c.urls); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		base := c.urls[(c.rr.Add(1)-1)%uint64(len(c.urls))]
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			Post(base + "/ocr/b64/text")
		if err != nil {
			lastErr = err
			c.bus.Log("warn", "ocr call failed", map[string]any{"url": base, "error": err.Error()})
			continue
		}
		if !resp.IsSuccess() {
			lastErr = fmt.Errorf("ocr %s: http %d", base, resp.StatusCode())
			c.bus.Log("warn", "ocr bad status", map[string]any{"url": base, "status": resp.StatusCode()})
			continue
		}
		text := parseText(resp.Body())
		if text == "" {
			return "", ErrEmptyText
		}
		return text, nil
	}
	return "", fmt.Errorf("%w: %v", model.ErrUnavailable, lastErr)
}

// parseText accepts both {"result": "..."} and a bare text body.
func parseText(b []byte) string {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, "{") {
		var out struct {
			Result string `json:"result"`
		}
		if err := json.Unmarshal([]byte(s), &out); err == nil {
			return strings.TrimSpace(out.Result)
		}
	}
	return strings.Trim(s, `"`)
}

// Available reports whether any instance answers /ping, cached for the
// configured health TTL.
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

	ok := false
	for _, base := range c.urls {
		resp, err := c.http.R().SetContext(ctx).Get(base + "/ping")
		if err == nil && resp.IsSuccess() {
			ok = true
			break
		}
	}

	c.mu.Lock()
	c.checked, c.healthy = time.Now(), ok
	c.mu.Unlock()
	return ok
}
