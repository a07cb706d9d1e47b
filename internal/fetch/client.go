// Package fetch downloads captcha images.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"captcha_engine/internal/config"
	"captcha_engine/internal/logbus"
)

var ErrEmptyBody = errors.New("fetch: empty response body")

type Client struct {
	http *resty.Client
	bus  *logbus.Bus
}

func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func New(cfg config.FetchConfig, bus *logbus.Bus) *Client {
	client := resty.NewWithClient(newHTTPClient(cfg.Timeout())).
		SetHeader("Accept", "image/*,*/*;q=0.8")
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.Proxy != "" {
		client.SetProxy(cfg.Proxy)
	}
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		bus.Log("debug", "fetch image", map[string]any{"url": req.URL})
		return nil
	})
	return &Client{http: client, bus: bus}
}

// Fetch downloads url and returns the raw body.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	return c.FetchWithHeaders(ctx, url, nil)
}

// FetchWithHeaders is Fetch with extra request headers, e.g. a Referer the
// image host insists on.
func (c *Client) FetchWithHeaders(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("fetch: empty url")
	}
	if strings.HasPrefix(url, "//") {
		url = "https:" + url
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("fetch %s: http %d", url, resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyBody, url)
	}
	return body, nil
}
