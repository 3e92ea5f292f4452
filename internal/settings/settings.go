package settings

import (
	"encoding/json"
	"math"
	"strconv"
)

// Position is the screen corner preview cards are anchored to.
type Position string

const (
	PositionTopLeft     Position = "top-left"
	PositionTopRight    Position = "top-right"
	PositionBottomLeft  Position = "bottom-left"
	PositionBottomRight Position = "bottom-right"
)

func validPosition(p Position) bool {
	switch p {
	case PositionTopLeft, PositionTopRight, PositionBottomLeft, PositionBottomRight:
		return true
	}
	return false
}

// Settings is the normalized runtime configuration for the preview engine.
//
// Every field is guaranteed to be inside its documented range after
// Normalize; consumers never need to re-validate.
type Settings struct {
	Enabled                  bool     `json:"enabled"`
	DisplayDurationMs        int      `json:"display_duration_ms"`
	ImageSizePx              int      `json:"image_size_px"`
	Position                 Position `json:"position"`
	LandscapeViewportPercent float64  `json:"landscape_viewport_percent"`
	PortraitViewportPercent  float64  `json:"portrait_viewport_percent"`
	HighlightUsage           bool     `json:"highlight_usage"`
	HighlightUsageRatio      float64  `json:"highlight_usage_ratio"`
	HighlightUsageStartCount int      `json:"highlight_usage_start_count"`
	HistoryLimit             int      `json:"history_limit"`
}

// Clamp ranges.
const (
	minDisplayDurationMs = 1500
	maxDisplayDurationMs = 60000
	minImageSizePx       = 72
	maxImageSizePx       = 220
	minViewportPercent   = 5
	maxViewportPercent   = 75
	minHighlightRatio    = 0.05
	maxHighlightRatio    = 1
	minHighlightStart    = 1
	maxHighlightStart    = 100
	minHistoryLimit      = 20
	maxHistoryLimit      = 1000
)

// Defaults returns the last-known-good record used whenever a field is
// missing or malformed.
func Defaults() Settings {
	return Settings{
		Enabled:                  true,
		DisplayDurationMs:        8000,
		ImageSizePx:              110,
		Position:                 PositionBottomRight,
		LandscapeViewportPercent: 25,
		PortraitViewportPercent:  35,
		HighlightUsage:           true,
		HighlightUsageRatio:      0.2,
		HighlightUsageStartCount: 5,
		HistoryLimit:             200,
	}
}

// Patch is a loosely-typed partial update. Values come straight from JSON
// (or any caller-built map); Normalize tolerates wrong types, out-of-range
// numbers, numeric strings and non-finite values without ever failing.
type Patch map[string]any

// Normalize merges raw over base and re-normalizes every field, not just
// the touched ones. Unknown keys are ignored. It never returns an error:
// anything unusable falls back to the default for that field.
func Normalize(base Settings, raw Patch) Settings {
	def := Defaults()
	out := base

	// Re-clamp the base first so a corrupted in-memory record can never
	// leak out-of-range values through an empty patch.
	out.DisplayDurationMs = clampInt(out.DisplayDurationMs, minDisplayDurationMs, maxDisplayDurationMs)
	out.ImageSizePx = clampInt(out.ImageSizePx, minImageSizePx, maxImageSizePx)
	if !validPosition(out.Position) {
		out.Position = def.Position
	}
	out.LandscapeViewportPercent = clampFloat(out.LandscapeViewportPercent, minViewportPercent, maxViewportPercent)
	out.PortraitViewportPercent = clampFloat(out.PortraitViewportPercent, minViewportPercent, maxViewportPercent)
	out.HighlightUsageRatio = clampFloat(out.HighlightUsageRatio, minHighlightRatio, maxHighlightRatio)
	out.HighlightUsageStartCount = clampInt(out.HighlightUsageStartCount, minHighlightStart, maxHighlightStart)
	out.HistoryLimit = clampInt(out.HistoryLimit, minHistoryLimit, maxHistoryLimit)

	if raw == nil {
		return out
	}

	if v, ok := raw["enabled"]; ok {
		out.Enabled = asBool(v, def.Enabled)
	}
	if v, ok := raw["display_duration_ms"]; ok {
		out.DisplayDurationMs = clampInt(asInt(v, def.DisplayDurationMs), minDisplayDurationMs, maxDisplayDurationMs)
	}
	if v, ok := raw["image_size_px"]; ok {
		out.ImageSizePx = clampInt(asInt(v, def.ImageSizePx), minImageSizePx, maxImageSizePx)
	}
	if v, ok := raw["position"]; ok {
		if s, ok := v.(string); ok && validPosition(Position(s)) {
			out.Position = Position(s)
		} else {
			out.Position = def.Position
		}
	}
	if v, ok := raw["landscape_viewport_percent"]; ok {
		out.LandscapeViewportPercent = clampFloat(asFloat(v, def.LandscapeViewportPercent), minViewportPercent, maxViewportPercent)
	}
	if v, ok := raw["portrait_viewport_percent"]; ok {
		out.PortraitViewportPercent = clampFloat(asFloat(v, def.PortraitViewportPercent), minViewportPercent, maxViewportPercent)
	}
	if v, ok := raw["highlight_usage"]; ok {
		out.HighlightUsage = asBool(v, def.HighlightUsage)
	}
	if v, ok := raw["highlight_usage_ratio"]; ok {
		out.HighlightUsageRatio = clampFloat(asFloat(v, def.HighlightUsageRatio), minHighlightRatio, maxHighlightRatio)
	}
	if v, ok := raw["highlight_usage_start_count"]; ok {
		out.HighlightUsageStartCount = clampInt(asInt(v, def.HighlightUsageStartCount), minHighlightStart, maxHighlightStart)
	}
	if v, ok := raw["history_limit"]; ok {
		out.HistoryLimit = clampInt(asInt(v, def.HistoryLimit), minHistoryLimit, maxHistoryLimit)
	}

	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// asFloat coerces JSON-ish values (float64, int, json.Number, numeric
// string). Non-finite or unparseable values yield def.
func asFloat(v any, def float64) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return def
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return def
		}
		f = p
	default:
		return def
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return f
}

func asInt(v any, def int) int {
	f := asFloat(v, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return int(f)
}

// asBool accepts only strict booleans; everything else yields def.
func asBool(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}
