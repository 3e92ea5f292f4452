package preview

import (
	"time"

	"previewd/internal/artifact"
	"previewd/internal/settings"
)

// Card states. A card is owned exclusively by the Manager for its whole
// lifetime and moves strictly forward through these states.
type cardState int

const (
	stateVisible cardState = iota // mounted, removal timer armed
	stateLeaving                  // unmounted, awaiting physical removal
	stateRemoved                  // terminal
)

// Dimensions is an on-screen target size in pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Viewport is the viewing surface size reported by the attached client.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ArtifactView is one thumbnail cell of a card as the surface renders it.
// Layout is zero until the client reports natural dimensions.
type ArtifactView struct {
	artifact.Artifact
	Layout Dimensions `json:"layout"`
}

// CardView is the presentation snapshot pushed to the surface on mount
// and on every restyle.
type CardView struct {
	ID          string            `json:"id"`
	EntryID     string            `json:"entry_id,omitempty"`
	Position    settings.Position `json:"position"`
	ImageSizePx int               `json:"image_size_px"`
	DurationMs  int               `json:"duration_ms"`
	Artifacts   []ArtifactView    `json:"artifacts"`
}

type card struct {
	id      string
	entryID string
	seq     uint64 // creation order, drives FIFO eviction

	display []ArtifactView
	full    []artifact.Artifact

	createdAt time.Time
	state     cardState

	// natural dimensions per display artifact, zero until reported
	natural []Dimensions

	removeTimer stopper
	leaveTimer  stopper
}

func (c *card) view(s settings.Settings) CardView {
	arts := make([]ArtifactView, len(c.display))
	copy(arts, c.display)
	return CardView{
		ID:          c.id,
		EntryID:     c.entryID,
		Position:    s.Position,
		ImageSizePx: s.ImageSizePx,
		DurationMs:  s.DisplayDurationMs,
		Artifacts:   arts,
	}
}
