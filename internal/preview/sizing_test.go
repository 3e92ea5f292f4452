package preview

import (
	"testing"

	"previewd/internal/settings"
)

func sized(landscapePct, portraitPct float64) settings.Settings {
	s := settings.Defaults()
	s.LandscapeViewportPercent = landscapePct
	s.PortraitViewportPercent = portraitPct
	return s
}

func TestComputeDisplaySize(t *testing.T) {
	t.Parallel()
	vp := Viewport{Width: 1280, Height: 720}

	tests := []struct {
		name       string
		nw, nh     int
		s          settings.Settings
		wantW      int
		wantH      int
	}{
		{name: "landscape 20 percent of width", nw: 1920, nh: 1080, s: sized(20, 35), wantW: 256, wantH: 144},
		{name: "portrait 25 percent of height", nw: 1080, nh: 1920, s: sized(25, 25), wantW: 101, wantH: 180},
		{name: "square counts as landscape", nw: 512, nh: 512, s: sized(10, 50), wantW: 128, wantH: 128},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ComputeDisplaySize(tt.nw, tt.nh, vp, tt.s)
			if got.Width != tt.wantW || got.Height != tt.wantH {
				t.Fatalf("got %+v, want %dx%d", got, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestComputeDisplaySizeNeverExceedsViewport(t *testing.T) {
	t.Parallel()
	vp := Viewport{Width: 400, Height: 300}
	got := ComputeDisplaySize(4000, 3990, vp, sized(75, 75))
	if got.Width > vp.Width-hostMarginPx || got.Height > vp.Height-hostMarginPx {
		t.Fatalf("size %+v exceeds viewport %+v minus margins", got, vp)
	}
	// Aspect ratio roughly preserved after clamping.
	ratio := float64(got.Width) / float64(got.Height)
	if ratio < 0.9 || ratio > 1.2 {
		t.Fatalf("aspect ratio distorted: %v", ratio)
	}
}

func TestComputeDisplaySizeMinimumFloor(t *testing.T) {
	t.Parallel()
	vp := Viewport{Width: 1280, Height: 720}
	got := ComputeDisplaySize(4000, 100, vp, sized(5, 5)) // extreme panorama
	if got.Height < minEdgePx || got.Width < minEdgePx {
		t.Fatalf("size %+v fell below minimum edge %d", got, minEdgePx)
	}
}

func TestComputeDisplaySizeDegenerateInput(t *testing.T) {
	t.Parallel()
	got := ComputeDisplaySize(0, 0, Viewport{Width: 1280, Height: 720}, settings.Defaults())
	if got.Width != minEdgePx || got.Height != minEdgePx {
		t.Fatalf("got %+v, want minimum square", got)
	}
}
