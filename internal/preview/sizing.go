package preview

import (
	"math"

	"previewd/internal/settings"
)

const (
	// minEdgePx is the smallest edge a computed artifact may have.
	minEdgePx = 64
	// hostMarginPx is reserved around the viewport for host chrome.
	hostMarginPx = 32
)

// ComputeDisplaySize derives an artifact's on-screen target dimensions
// from its natural size, the current viewport and the viewport-percent
// settings.
//
// Landscape artifacts are sized to a percentage of viewport width,
// portrait artifacts to a percentage of viewport height; the other edge
// follows the natural aspect ratio. Results never exceed the viewport
// minus host margins and never fall below minEdgePx.
func ComputeDisplaySize(naturalW, naturalH int, vp Viewport, s settings.Settings) Dimensions {
	if naturalW <= 0 || naturalH <= 0 || vp.Width <= 0 || vp.Height <= 0 {
		return Dimensions{Width: minEdgePx, Height: minEdgePx}
	}

	aspect := float64(naturalW) / float64(naturalH)

	var w, h float64
	if naturalW >= naturalH {
		w = float64(vp.Width) * s.LandscapeViewportPercent / 100
		h = w / aspect
	} else {
		h = float64(vp.Height) * s.PortraitViewportPercent / 100
		w = h * aspect
	}

	// Shrink proportionally so neither edge exceeds the viewport minus
	// host margins.
	maxW := float64(vp.Width - hostMarginPx)
	maxH := float64(vp.Height - hostMarginPx)
	if maxW > 0 && w > maxW {
		scale := maxW / w
		w *= scale
		h *= scale
	}
	if maxH > 0 && h > maxH {
		scale := maxH / h
		w *= scale
		h *= scale
	}

	d := Dimensions{Width: int(math.Floor(w)), Height: int(math.Floor(h))}
	if d.Width < minEdgePx {
		d.Width = minEdgePx
	}
	if d.Height < minEdgePx {
		d.Height = minEdgePx
	}
	return d
}
