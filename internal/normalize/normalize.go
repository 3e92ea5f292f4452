// Package normalize extracts entry identifiers and generated-file
// references from arbitrarily-shaped event payloads.
//
// Every accepted shape is enumerated here; anything unrecognized yields
// an empty result. Nothing in this package returns an error.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"previewd/internal/artifact"
)

// Producers wrap their real content under one of these envelope keys.
// We recurse one level into the first non-empty envelope before looking
// at top-level fields.
var envelopeKeys = []string{"detail", "data", "payload"}

// Accepted field aliases, tried in order.
var (
	entryIDListKeys   = []string{"entry_ids", "entryIds", "ids"}
	entryIDScalarKeys = []string{"entry_id", "entryId", "id"}
	idLikeKeys        = []string{"id", "entry_id", "entryId", "uuid"}
	fileListKeys      = []string{"files", "images", "generated_files", "outputs"}
)

// EntryIDs extracts logical entry identifiers from a loose payload.
func EntryIDs(payload any) []string {
	m := unwrap(payload)
	if m == nil {
		return nil
	}

	for _, key := range entryIDListKeys {
		arr, ok := m[key].([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if id := coerceID(item); id != "" {
				out = append(out, id)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	for _, key := range entryIDScalarKeys {
		v, ok := m[key]
		if !ok {
			continue
		}
		if id := coerceID(v); id != "" {
			return []string{id}
		}
	}

	return nil
}

// GeneratedFiles extracts raw generated-file references from a loose
// payload.
func GeneratedFiles(payload any) []artifact.FileRef {
	m := unwrap(payload)
	if m == nil {
		return nil
	}

	for _, key := range fileListKeys {
		arr, ok := m[key].([]any)
		if !ok {
			continue
		}
		out := make([]artifact.FileRef, 0, len(arr))
		for _, item := range arr {
			if ref, ok := artifact.CoerceRef(item); ok {
				out = append(out, ref)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	return nil
}

// unwrap coerces the payload to a map and steps one level into the
// first non-empty envelope, if any.
func unwrap(payload any) map[string]any {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range envelopeKeys {
		if inner, ok := m[key].(map[string]any); ok && len(inner) > 0 {
			return inner
		}
	}
	return m
}

// coerceID turns a scalar or an object-shaped identifier into a string.
// Objects are unwrapped via nested id-like fields; numbers keep their
// integral spelling when possible.
func coerceID(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case map[string]any:
		for _, key := range idLikeKeys {
			inner, ok := x[key]
			if !ok {
				continue
			}
			// One level only: nested objects are not unwrapped again.
			if _, isMap := inner.(map[string]any); isMap {
				continue
			}
			if id := coerceID(inner); id != "" {
				return id
			}
		}
	}
	return ""
}
