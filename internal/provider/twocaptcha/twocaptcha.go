// Package twocaptcha implements provider.Provider against the 2Captcha
// in.php / res.php API.
package twocaptcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"captcha_engine/internal/config"
	"captcha_engine/internal/logbus"
	"captcha_engine/internal/model"
	"captcha_engine/internal/provider"
)

const (
	DefaultBaseURL = "https://2captcha.com"

	notReady   = "CAPCHA_NOT_READY"
	balanceTTL = 30 * time.Second
)

var supported = map[model.CaptchaType]bool{
	model.TypeImage:     true,
	model.TypeClick:     true,
	model.TypeRecaptcha: true,
	model.TypeHcaptcha:  true,
}

type Provider struct {
	cfg     config.ProviderConfig
	http    *resty.Client
	limiter *rate.Limiter
	bus     *logbus.Bus

	mu        sync.Mutex
	balance   float64
	balanceAt time.Time
}

func New(cfg config.ProviderConfig, bus *logbus.Bus) *Provider {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout()).
		SetRetryCount(cfg.Retry.Count).
		SetRetryWaitTime(cfg.Retry.Wait()).
		SetRetryMaxWaitTime(cfg.Retry.MaxWait()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil {
				return true
			}
			if err != nil {
				// a 2xx with an undecodable body will not improve
				return !r.IsSuccess()
			}
			return r.StatusCode() >= 500
		})

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		bus.Log("debug", "provider request", map[string]any{
			"provider": cfg.Name,
			"method":   req.Method,
			"url":      req.URL,
		})
		return nil
	})

	limit := rate.Inf
	if cfg.QPS > 0 {
		limit = rate.Limit(cfg.QPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Provider{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		bus:     bus,
	}
}

func (p *Provider) Name() string {
	if p.cfg.Name != "" {
		return p.cfg.Name
	}
	return "2captcha"
}

func (p *Provider) Supports(t model.CaptchaType) bool { return supported[t] }

// envelope is the json=1 shape of both in.php and res.php. Request is a
// string id/answer or, for coordinate captchas, a list of points. The API
// labels these bodies text/html, so requests force the JSON decoder.
type envelope struct {
	Status  int             `json:"status"`
	Request json.RawMessage `json:"request"`
}

func (e envelope) text() string {
	var s string
	if err := json.Unmarshal(e.Request, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.Request))
}

// envelopeRequest returns a request that decodes its reply into env.
func (p *Provider) envelopeRequest(ctx context.Context, env *envelope) *resty.Request {
	return p.http.R().
		SetContext(ctx).
		SetResult(env).
		ForceContentType("application/json")
}

// decodeFailed reports whether err came from decoding a 2xx reply.
func decodeFailed(resp *resty.Response, err error) bool {
	return err != nil && resp != nil && resp.IsSuccess()
}

func decodeError(resp *resty.Response, err error) error {
	return fmt.Errorf("2captcha: decode response %q: %w", truncate(resp.String(), 120), err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (p *Provider) SolveImage(ctx context.Context, image []byte) (provider.Answer, error) {
	id, err := p.submit(ctx, map[string]string{
		"method": "base64",
		"body":   model.EncodeBase64Image(image),
	})
	if err != nil {
		return provider.Answer{}, err
	}
	env, err := p.poll(ctx, id)
	if err != nil {
		return provider.Answer{}, err
	}
	return provider.Answer{TaskID: id, Text: env.text()}, nil
}

func (p *Provider) SolveClick(ctx context.Context, image []byte, instructions string) (provider.Answer, error) {
	form := map[string]string{
		"method":             "base64",
		"coordinatescaptcha": "1",
		"body":               model.EncodeBase64Image(image),
	}
	if instructions != "" {
		form["textinstructions"] = instructions
	}
	id, err := p.submit(ctx, form)
	if err != nil {
		return provider.Answer{}, err
	}
	env, err := p.poll(ctx, id)
	if err != nil {
		return provider.Answer{}, err
	}
	points, err := parsePoints(env.Request)
	if err != nil {
		return provider.Answer{}, err
	}
	return provider.Answer{TaskID: id, Points: points}, nil
}

func (p *Provider) SolveToken(ctx context.Context, t model.CaptchaType, siteURL, siteKey string) (provider.Answer, error) {
	form := map[string]string{"pageurl": siteURL}
	switch t {
	case model.TypeRecaptcha:
		form["method"] = "userrecaptcha"
		form["googlekey"] = siteKey
	case model.TypeHcaptcha:
		form["method"] = "hcaptcha"
		form["sitekey"] = siteKey
	default:
		return provider.Answer{}, fmt.Errorf("%w: %s", provider.ErrUnsupported, t.Code())
	}
	id, err := p.submit(ctx, form)
	if err != nil {
		return provider.Answer{}, err
	}
	env, err := p.poll(ctx, id)
	if err != nil {
		return provider.Answer{}, err
	}
	return provider.Answer{TaskID: id, Text: env.text()}, nil
}

func (p *Provider) submit(ctx context.Context, form map[string]string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	form["key"] = p.cfg.APIKey
	form["json"] = "1"

	var env envelope
	resp, err := p.envelopeRequest(ctx, &env).
		SetFormData(form).
		Post("/in.php")
	if decodeFailed(resp, err) && ctx.Err() == nil {
		return "", decodeError(resp, err)
	}
	if err != nil {
		return "", fmt.Errorf("2captcha submit: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("2captcha submit: http %d", resp.StatusCode())
	}
	if env.Status != 1 {
		return "", fmt.Errorf("2captcha submit rejected: %s", env.text())
	}
	id := env.text()
	p.bus.Log("debug", "provider task submitted", map[string]any{"provider": p.Name(), "taskId": id})
	return id, nil
}

// poll waits for the answer to task id until ctx is done.
func (p *Provider) poll(ctx context.Context, id string) (envelope, error) {
	interval := p.cfg.PollInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return envelope{}, fmt.Errorf("2captcha task %s: %w", id, ctx.Err())
		case <-timer.C:
		}

		var env envelope
		resp, err := p.envelopeRequest(ctx, &env).
			SetQueryParams(map[string]string{
				"key":    p.cfg.APIKey,
				"action": "get",
				"id":     id,
				"json":   "1",
			}).
			Get("/res.php")
		if decodeFailed(resp, err) && ctx.Err() == nil {
			return envelope{}, decodeError(resp, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return envelope{}, fmt.Errorf("2captcha task %s: %w", id, ctx.Err())
			}
			p.bus.Log("warn", "provider poll failed", map[string]any{"provider": p.Name(), "taskId": id, "error": err.Error()})
			timer.Reset(interval)
			continue
		}
		if resp.IsError() {
			p.bus.Log("warn", "provider poll failed", map[string]any{"provider": p.Name(), "taskId": id, "status": resp.StatusCode()})
			timer.Reset(interval)
			continue
		}
		if env.Status == 1 {
			return env, nil
		}
		if env.text() == notReady {
			timer.Reset(interval)
			continue
		}
		return envelope{}, fmt.Errorf("2captcha task %s failed: %s", id, env.text())
	}
}

// parsePoints accepts the json list form [{"x":"1","y":"2"}] and the
// legacy "coordinates:x=1,y=2;x=3,y=4" string.
func parsePoints(raw json.RawMessage) ([]model.Point, error) {
	var list []struct {
		X json.Number `json:"x"`
		Y json.Number `json:"y"`
	}
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]model.Point, 0, len(list))
		for _, item := range list {
			x, errX := strconv.ParseFloat(item.X.String(), 64)
			y, errY := strconv.ParseFloat(item.Y.String(), 64)
			if errX != nil || errY != nil {
				return nil, fmt.Errorf("2captcha: bad point %v,%v", item.X, item.Y)
			}
			out = append(out, model.Point{X: int(x), Y: int(y)})
		}
		if len(out) == 0 {
			return nil, errors.New("2captcha: empty coordinate list")
		}
		return out, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("2captcha: unexpected coordinates %s", raw)
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "coordinates:")
	var out []model.Point
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		var pt model.Point
		for _, kv := range strings.Split(pair, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
			if !ok {
				return nil, fmt.Errorf("2captcha: bad coordinate %q", pair)
			}
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("2captcha: bad coordinate %q", pair)
			}
			switch k {
			case "x":
				pt.X = n
			case "y":
				pt.Y = n
			}
		}
		out = append(out, pt)
	}
	if len(out) == 0 {
		return nil, errors.New("2captcha: empty coordinate list")
	}
	return out, nil
}

func (p *Provider) Report(ctx context.Context, taskID string, success bool) error {
	action := "reportbad"
	if success {
		action = "reportgood"
	}
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":    p.cfg.APIKey,
			"action": action,
			"id":     taskID,
		}).
		Get("/res.php")
	if err != nil {
		return fmt.Errorf("2captcha %s: %w", action, err)
	}
	if resp.IsError() {
		return fmt.Errorf("2captcha %s: http %d", action, resp.StatusCode())
	}
	return nil
}

func (p *Provider) Balance(ctx context.Context) (float64, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":    p.cfg.APIKey,
			"action": "getbalance",
		}).
		Get("/res.php")
	if err != nil {
		return 0, fmt.Errorf("2captcha balance: %w", err)
	}
	body := strings.TrimSpace(string(resp.Body()))
	v, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return 0, fmt.Errorf("2captcha balance %q: %w", truncate(body, 60), err)
	}
	return v, nil
}

// Available is true while the account balance is positive. The balance
// is refreshed at most every 30 seconds.
func (p *Provider) Available(ctx context.Context) bool {
	if p.cfg.APIKey == "" {
		return false
	}
	p.mu.Lock()
	if !p.balanceAt.IsZero() && time.Since(p.balanceAt) < balanceTTL {
		ok := p.balance > 0
		p.mu.Unlock()
		return ok
	}
	p.mu.Unlock()

	bal, err := p.Balance(ctx)
	if err != nil {
		p.bus.Log("warn", "provider balance check failed", map[string]any{"provider": p.Name(), "error": err.Error()})
	}

	p.mu.Lock()
	p.balance, p.balanceAt = bal, time.Now()
	p.mu.Unlock()
	return bal > 0
}
