package model

import "strings"

// CaptchaType classifies the shape of a challenge. The empty value is
// treated the same as TypeUnknown.
type CaptchaType string

const (
	TypeImage     CaptchaType = "image"
	TypeSlider    CaptchaType = "slider"
	TypeClick     CaptchaType = "click"
	TypeGesture   CaptchaType = "gesture"
	TypeRotate    CaptchaType = "rotate"
	TypeSMS       CaptchaType = "sms"
	TypeRecaptcha CaptchaType = "recaptcha"
	TypeHcaptcha  CaptchaType = "hcaptcha"
	TypeUnknown   CaptchaType = "unknown"
)

var typeLabels = map[CaptchaType]string{
	TypeImage:     "image captcha",
	TypeSlider:    "slider captcha",
	TypeClick:     "click captcha",
	TypeGesture:   "gesture captcha",
	TypeRotate:    "rotate captcha",
	TypeSMS:       "sms captcha",
	TypeRecaptcha: "Google reCAPTCHA",
	TypeHcaptcha:  "hCaptcha",
	TypeUnknown:   "unknown captcha",
}

// AllTypes lists every classified type, Unknown excluded.
func AllTypes() []CaptchaType {
	return []CaptchaType{
		TypeImage, TypeSlider, TypeClick, TypeGesture, TypeRotate,
		TypeSMS, TypeRecaptcha, TypeHcaptcha,
	}
}

func ParseCaptchaType(code string) CaptchaType {
	t := CaptchaType(strings.ToLower(strings.TrimSpace(code)))
	if _, ok := typeLabels[t]; ok {
		return t
	}
	return TypeUnknown
}

func (t CaptchaType) Code() string {
	if t == "" {
		return string(TypeUnknown)
	}
	return string(t)
}

func (t CaptchaType) Label() string {
	if l, ok := typeLabels[t]; ok {
		return l
	}
	return typeLabels[TypeUnknown]
}

// IsKnown reports whether t is a classified type other than Unknown.
func (t CaptchaType) IsKnown() bool {
	if t == TypeUnknown {
		return false
	}
	_, ok := typeLabels[t]
	return ok
}

func (t CaptchaType) String() string { return t.Code() }
