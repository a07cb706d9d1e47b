package model

import (
	"encoding/base64"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

const DefaultTimeout = 60 * time.Second

// CaptchaRequest carries the material for one challenge. Only the fields
// relevant to Type are expected to be set.
type CaptchaRequest struct {
	TaskID string      `json:"taskId,omitempty"`
	Type   CaptchaType `json:"type,omitempty"`
	Vendor Vendor      `json:"vendor,omitempty"`

	Image    []byte `json:"image,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`

	Background      []byte `json:"background,omitempty"`
	BackgroundURL   string `json:"backgroundUrl,omitempty"`
	BackgroundStyle string `json:"backgroundStyle,omitempty"`
	Slider          []byte `json:"slider,omitempty"`
	SliderURL       string `json:"sliderUrl,omitempty"`

	SiteURL string `json:"siteUrl,omitempty"`
	SiteKey string `json:"siteKey,omitempty"`

	GestureHint string `json:"gestureHint,omitempty"`

	Timeout time.Duration  `json:"timeout,omitempty"`
	Extras  map[string]any `json:"extras,omitempty"`
}

func NewImageRequest(image []byte) *CaptchaRequest {
	return &CaptchaRequest{Type: TypeImage, Image: image, Timeout: DefaultTimeout}
}

func NewImageURLRequest(url string) *CaptchaRequest {
	return &CaptchaRequest{Type: TypeImage, ImageURL: url, Timeout: DefaultTimeout}
}

func NewSliderRequest(background, slider []byte) *CaptchaRequest {
	return &CaptchaRequest{Type: TypeSlider, Background: background, Slider: slider, Timeout: DefaultTimeout}
}

func NewRecaptchaRequest(siteURL, siteKey string) *CaptchaRequest {
	return &CaptchaRequest{Type: TypeRecaptcha, SiteURL: siteURL, SiteKey: siteKey, Timeout: DefaultTimeout}
}

func NewHcaptchaRequest(siteURL, siteKey string) *CaptchaRequest {
	return &CaptchaRequest{Type: TypeHcaptcha, SiteURL: siteURL, SiteKey: siteKey, Timeout: DefaultTimeout}
}

func NewGestureRequest(image []byte, hint string) *CaptchaRequest {
	return &CaptchaRequest{Type: TypeGesture, Image: image, GestureHint: hint, Timeout: DefaultTimeout}
}

func NewRotateRequest(image []byte) *CaptchaRequest {
	return &CaptchaRequest{Type: TypeRotate, Image: image, Timeout: DefaultTimeout}
}

// NewClickRequest builds a click-captcha request. The instruction text,
// if any, is kept in the "instructions" extra.
func NewClickRequest(image []byte, instructions string) *CaptchaRequest {
	req := &CaptchaRequest{Type: TypeClick, Image: image, Timeout: DefaultTimeout}
	if instructions != "" {
		req.WithExtra("instructions", instructions)
	}
	return req
}

func (r *CaptchaRequest) WithExtra(key string, value any) *CaptchaRequest {
	if r.Extras == nil {
		r.Extras = make(map[string]any)
	}
	r.Extras[key] = value
	return r
}

func (r *CaptchaRequest) ExtraString(key string) string {
	v, ok := r.Extras[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// ExtraInt reads an integer extra, accepting the numeric shapes produced
// by Go callers and by JSON/YAML decoding.
func (r *CaptchaRequest) ExtraInt(key string, def int) int {
	v, ok := r.Extras[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}

// EffectiveType is Type with the empty value folded into TypeUnknown.
func (r *CaptchaRequest) EffectiveType() CaptchaType {
	if r.Type == "" {
		return TypeUnknown
	}
	return r.Type
}

// EffectiveTimeout returns Timeout or DefaultTimeout when unset.
func (r *CaptchaRequest) EffectiveTimeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// HasImage reports whether a payload usable for classification exists.
func (r *CaptchaRequest) HasImage() bool {
	return len(r.Image) > 0 || len(r.Background) > 0
}

// Clone returns a copy whose Extras map can be modified independently.
// Byte payloads are shared; callers treat them as read-only.
func (r *CaptchaRequest) Clone() *CaptchaRequest {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Extras != nil {
		cp.Extras = maps.Clone(r.Extras)
	}
	return &cp
}

// PromoteSliderBackground moves Image and ImageURL into the background
// fields of a slider request that carries no background source. Requests
// classified by image alone arrive this way.
func (r *CaptchaRequest) PromoteSliderBackground() {
	if r.EffectiveType() != TypeSlider {
		return
	}
	if len(r.Background) > 0 || r.BackgroundURL != "" || r.BackgroundStyle != "" {
		return
	}
	r.Background, r.BackgroundURL = r.Image, r.ImageURL
}

// Validate checks that the fields required by the request type are set.
// Unknown types pass; they are resolved before solving.
func (r *CaptchaRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	switch r.EffectiveType() {
	case TypeSlider:
		if len(r.Background) == 0 && r.BackgroundURL == "" && r.BackgroundStyle == "" {
			return fmt.Errorf("%w: slider captcha requires a background image", ErrInvalidRequest)
		}
	case TypeImage, TypeRotate, TypeClick, TypeGesture:
		if len(r.Image) == 0 && r.ImageURL == "" {
			return fmt.Errorf("%w: %s requires an image or image url", ErrInvalidRequest, r.Type.Label())
		}
	case TypeRecaptcha, TypeHcaptcha:
		if r.SiteURL == "" || r.SiteKey == "" {
			return fmt.Errorf("%w: %s requires site url and site key", ErrInvalidRequest, r.Type.Label())
		}
	}
	return nil
}

// DecodeBase64Image decodes s, dropping an optional "data:...;base64,"
// prefix. Unpadded input is accepted.
func DecodeBase64Image(s string) ([]byte, error) {
	s = StripDataURI(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty image data", ErrInvalidRequest)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("%w: decode base64 image: %v", ErrInvalidRequest, err)
	}
	return b, nil
}

// StripDataURI removes a leading data URI header and surrounding space.
func StripDataURI(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	return s
}

// EncodeBase64Image is the inverse of DecodeBase64Image without a prefix.
func EncodeBase64Image(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
