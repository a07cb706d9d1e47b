package model

import (
	"math"
	"strings"
)

// Vendor is the captcha product a challenge comes from. It decides how raw
// material is extracted and which coordinate system applies, not which
// solving family is used.
type Vendor string

const (
	VendorTencent       Vendor = "tencent"
	VendorAlibaba       Vendor = "alibaba"
	VendorGeetest       Vendor = "geetest"
	VendorNetease       Vendor = "netease"
	VendorDingxiang     Vendor = "dingxiang"
	VendorGenericSlider Vendor = "generic_slider"
	VendorGenericImage  Vendor = "generic_image"
	VendorUnknown       Vendor = "unknown"
)

var vendorLabels = map[Vendor]string{
	VendorTencent:       "Tencent TCaptcha",
	VendorAlibaba:       "Alibaba Cloud captcha",
	VendorGeetest:       "GeeTest",
	VendorNetease:       "NetEase Yidun",
	VendorDingxiang:     "Dingxiang",
	VendorGenericSlider: "generic slider",
	VendorGenericImage:  "generic image",
	VendorUnknown:       "unknown vendor",
}

func ParseVendor(code string) Vendor {
	v := Vendor(strings.ToLower(strings.TrimSpace(code)))
	if _, ok := vendorLabels[v]; ok {
		return v
	}
	return VendorUnknown
}

func (v Vendor) Code() string {
	if v == "" {
		return string(VendorUnknown)
	}
	return string(v)
}

func (v Vendor) Label() string {
	if l, ok := vendorLabels[v]; ok {
		return l
	}
	return vendorLabels[VendorUnknown]
}

func (v Vendor) String() string { return v.Code() }

// Profile describes how a vendor renders its slider: the width the page
// displays the background at versus the width of the served image.
type Profile struct {
	DisplayWidth        int
	NativeWidth         int
	SliderHalfWidth     int
	DefaultSliderCenter int
}

var vendorProfiles = map[Vendor]Profile{
	VendorTencent: {DisplayWidth: 340, NativeWidth: 672, SliderHalfWidth: 60, DefaultSliderCenter: 40},
}

// Profile returns the coordinate profile for v. Vendors without a known
// profile get the zero Profile, which performs no rescaling.
func (v Vendor) Profile() Profile {
	return vendorProfiles[v]
}

func (p Profile) ratio() float64 {
	if p.DisplayWidth <= 0 || p.NativeWidth <= 0 {
		return 1
	}
	return float64(p.DisplayWidth) / float64(p.NativeWidth)
}

// Scale converts a native image x coordinate to display coordinates.
func (p Profile) Scale(x int) int {
	return int(math.Round(float64(x) * p.ratio()))
}

// SliderCenterFromNative converts the slider's native left position into
// its displayed center.
func (p Profile) SliderCenterFromNative(pos int) int {
	return int(math.Round(float64(pos+p.SliderHalfWidth) * p.ratio()))
}
