package detector

import (
	"regexp"
	"strings"

	"captcha_engine/internal/model"
)

// Finding is the result of scanning page markup for a captcha widget.
type Finding struct {
	Detected bool
	Vendor   model.Vendor
	// Type is the challenge family when the markup gives it away, else
	// TypeUnknown.
	Type model.CaptchaType
	// AutoSolvable is false for vendors whose behaviour checks need a paid
	// provider.
	AutoSolvable bool
}

var (
	sliderImgPattern  = regexp.MustCompile(`<img[^>]+src=["'][^"']*(slider|captcha)[^"']*["']`)
	captchaImgPattern = regexp.MustCompile(`<img[^>]+src=["'][^"']*(captcha|code|verify)[^"']*["']`)
	captchaInput      = regexp.MustCompile(`<input[^>]+(name=["'][^"']*(captcha|code)|placeholder=["'][^"']*验证码)`)
	sliderClass       = regexp.MustCompile(`class=["'][^"']*\bslide(r)?\b`)
	genericElement    = regexp.MustCompile(`<iframe|class=["'][^"']*(captcha|verify)`)
)

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// DetectVendor inspects HTML for the markers of known captcha products.
// Checks run from the most specific vendor to generic heuristics.
func DetectVendor(markup string) Finding {
	s := strings.ToLower(markup)

	switch {
	case containsAny(s, "tcaptcha", "t.captcha.qq.com", "captcha.qq.com", "tc-fg-item", "tc-action-icon"):
		return Finding{Detected: true, Vendor: model.VendorTencent, Type: model.TypeSlider, AutoSolvable: true}
	case containsAny(s, "geetest", "gt_slider"):
		return Finding{Detected: true, Vendor: model.VendorGeetest, Type: model.TypeSlider}
	case containsAny(s, "yidun", "yd-captcha"):
		return Finding{Detected: true, Vendor: model.VendorNetease, Type: model.TypeSlider}
	case containsAny(s, "g-recaptcha", "grecaptcha", "recaptcha"):
		return Finding{Detected: true, Vendor: model.VendorUnknown, Type: model.TypeRecaptcha}
	case containsAny(s, "h-captcha", "hcaptcha.com"):
		return Finding{Detected: true, Vendor: model.VendorUnknown, Type: model.TypeHcaptcha}
	case strings.Contains(s, "alicdn") && strings.Contains(s, "captcha"),
		containsAny(s, "nc_wrapper", "ali-captcha", "aliyun-captcha"):
		return Finding{Detected: true, Vendor: model.VendorAlibaba, Type: model.TypeSlider}
	case containsAny(s, "dingxiang-inc", "dx-captcha", "dx_captcha"):
		return Finding{Detected: true, Vendor: model.VendorDingxiang, Type: model.TypeSlider}
	}

	if sliderClass.MatchString(s) && len(sliderImgPattern.FindAllString(s, 2)) >= 2 {
		return Finding{Detected: true, Vendor: model.VendorGenericSlider, Type: model.TypeSlider, AutoSolvable: true}
	}
	if captchaImgPattern.MatchString(s) && captchaInput.MatchString(s) {
		return Finding{Detected: true, Vendor: model.VendorGenericImage, Type: model.TypeImage, AutoSolvable: true}
	}
	if containsAny(s, "captcha", "verify", "验证码", "安全验证") && genericElement.MatchString(s) {
		return Finding{Detected: true, Vendor: model.VendorUnknown, Type: model.TypeUnknown}
	}
	return Finding{Vendor: model.VendorUnknown, Type: model.TypeUnknown}
}
