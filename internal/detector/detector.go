// Package detector classifies captcha material without solving it.
package detector

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"captcha_engine/internal/logbus"
	"captcha_engine/internal/model"
)

const (
	sliderMinWidth  = 200
	sliderMaxHeight = 200
)

// Default classifies by image dimensions: wide and short images are
// slider backgrounds, everything else is treated as a text image.
type Default struct {
	bus *logbus.Bus
}

func New(bus *logbus.Bus) *Default { return &Default{bus: bus} }

// Detect never fails for non-empty input; undecodable images fall back to
// TypeImage. Empty input yields TypeUnknown.
func (d *Default) Detect(_ context.Context, img []byte) (model.CaptchaType, error) {
	if len(img) == 0 {
		return model.TypeUnknown, nil
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		d.bus.Log("debug", "captcha image not decodable, assuming text image", map[string]any{"error": err.Error()})
		return model.TypeImage, nil
	}
	t := model.TypeImage
	if cfg.Width >= sliderMinWidth && cfg.Height <= sliderMaxHeight {
		t = model.TypeSlider
	}
	d.bus.Log("debug", "captcha type classified", map[string]any{
		"format": format,
		"width":  cfg.Width,
		"height": cfg.Height,
		"type":   t.Code(),
	})
	return t, nil
}
