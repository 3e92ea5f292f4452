package history

import (
	"time"

	"previewd/internal/artifact"
)

// Entry is one persisted prompt/generation unit.
type Entry struct {
	ID         string             `json:"id"`
	CreatedAt  time.Time          `json:"created_at"`
	LastUsedAt time.Time          `json:"last_used_at"`
	Prompt     string             `json:"prompt"`
	Tags       []string           `json:"tags"`
	Metadata   map[string]any     `json:"metadata"`
	Files      []artifact.FileRef `json:"files"`
}

// Config configures the history store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}
