package normalize

import (
	"reflect"
	"testing"

	"previewd/internal/artifact"
)

func TestEntryIDsShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload any
		want    []string
	}{
		{
			name:    "array field",
			payload: map[string]any{"entry_ids": []any{"a", "b"}},
			want:    []string{"a", "b"},
		},
		{
			name:    "camelCase alias",
			payload: map[string]any{"entryIds": []any{"a"}},
			want:    []string{"a"},
		},
		{
			name:    "scalar alias",
			payload: map[string]any{"entry_id": "solo"},
			want:    []string{"solo"},
		},
		{
			name:    "numeric scalar coerced",
			payload: map[string]any{"id": float64(42)},
			want:    []string{"42"},
		},
		{
			name:    "object ids unwrapped",
			payload: map[string]any{"ids": []any{map[string]any{"uuid": "u1"}, map[string]any{"id": "u2"}}},
			want:    []string{"u1", "u2"},
		},
		{
			name:    "detail envelope",
			payload: map[string]any{"detail": map[string]any{"entry_ids": []any{"wrapped"}}},
			want:    []string{"wrapped"},
		},
		{
			name:    "data envelope",
			payload: map[string]any{"data": map[string]any{"entry_id": "d1"}},
			want:    []string{"d1"},
		},
		{
			name:    "empty envelope ignored",
			payload: map[string]any{"detail": map[string]any{}, "entry_id": "top"},
			want:    []string{"top"},
		},
		{
			name:    "array wins over scalar",
			payload: map[string]any{"entry_ids": []any{"a"}, "entry_id": "b"},
			want:    []string{"a"},
		},
		{
			name:    "blank entries dropped",
			payload: map[string]any{"entry_ids": []any{"", "  ", "x"}},
			want:    []string{"x"},
		},
		{name: "not a map", payload: "nope", want: nil},
		{name: "nil", payload: nil, want: nil},
		{name: "unrecognized fields", payload: map[string]any{"foo": 1}, want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := EntryIDs(tt.payload)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("EntryIDs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGeneratedFilesShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload any
		want    []artifact.FileRef
	}{
		{
			name:    "string filenames",
			payload: map[string]any{"files": []any{"a.png", "b.png"}},
			want:    []artifact.FileRef{{Filename: "a.png"}, {Filename: "b.png"}},
		},
		{
			name: "object refs",
			payload: map[string]any{"images": []any{
				map[string]any{"filename": "x.png", "subfolder": "s", "type": "output"},
			}},
			want: []artifact.FileRef{{Filename: "x.png", Subfolder: "s", Type: "output"}},
		},
		{
			name:    "envelope unwrap",
			payload: map[string]any{"payload": map[string]any{"outputs": []any{"c.png"}}},
			want:    []artifact.FileRef{{Filename: "c.png"}},
		},
		{
			name:    "junk elements dropped",
			payload: map[string]any{"files": []any{42, map[string]any{"no": "filename"}, "ok.png"}},
			want:    []artifact.FileRef{{Filename: "ok.png"}},
		},
		{name: "no match", payload: map[string]any{"files": "not-an-array"}, want: nil},
		{name: "nil", payload: nil, want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := GeneratedFiles(tt.payload)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("GeneratedFiles = %v, want %v", got, tt.want)
			}
		})
	}
}
