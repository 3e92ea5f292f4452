// Package artifact resolves loose generated-file references into
// canonical, de-duplicated view URLs.
package artifact

import (
	"net/url"
	"path"
	"strings"
)

const viewPath = "/view"

// imageExts are the extensions accepted from explicit file lists.
// Metadata collections skip this filter (they may hold symbolic refs).
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".gif":  true,
}

// metadataCollectionKeys are the metadata sub-keys scanned for extra
// file references, in precedence order.
var metadataCollectionKeys = []string{"images", "files", "outputs", "gallery"}

// Resolver builds view URLs for raw file references.
//
// Base is an optional API base path prefix (host indirection); it is
// applied uniformly to full images and re-derived thumbnails.
type Resolver struct {
	Base string
}

// ViewURL encodes a file reference into the canonical view-resource
// locator. Empty filenames yield "".
func (r Resolver) ViewURL(ref FileRef) string {
	name := strings.TrimSpace(ref.Filename)
	if name == "" {
		return ""
	}
	q := url.Values{}
	q.Set("filename", name)
	if t := strings.TrimSpace(ref.Type); t != "" {
		q.Set("type", t)
	}
	if sf := strings.TrimSpace(ref.Subfolder); sf != "" {
		q.Set("subfolder", sf)
	}
	if p := strings.TrimSpace(ref.Preview); p != "" {
		q.Set("preview", p)
	}
	return r.Base + viewPath + "?" + q.Encode()
}

// thumbnailURL picks the thumbnail for a reference. A hint that already
// uses the view-path scheme is re-derived through ViewURL so base-path
// indirection applies to it too; any other hint is taken verbatim.
func (r Resolver) thumbnailURL(ref FileRef, full string) string {
	hint := strings.TrimSpace(ref.Thumbnail)
	if hint == "" {
		return full
	}
	if parsed, ok := parseViewURL(hint); ok {
		return r.ViewURL(parsed)
	}
	return hint
}

// parseViewURL recognizes locators produced by ViewURL (any base prefix)
// and recovers the encoded reference.
func parseViewURL(raw string) (FileRef, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return FileRef{}, false
	}
	if u.Path != viewPath && !strings.HasSuffix(u.Path, viewPath) {
		return FileRef{}, false
	}
	q := u.Query()
	name := q.Get("filename")
	if name == "" {
		return FileRef{}, false
	}
	return FileRef{
		Filename:  name,
		Subfolder: q.Get("subfolder"),
		Type:      q.Get("type"),
		Preview:   q.Get("preview"),
	}, true
}

func isImageFilename(name string) bool {
	return imageExts[strings.ToLower(path.Ext(name))]
}

// Build resolves an ordered set of raw references into artifacts.
//
// Within one pass artifacts are de-duplicated by resolved URL; insertion
// order is preserved and the first occurrence wins (including its title).
// filtered applies the image-extension filter (explicit file lists);
// metadata collections pass filtered=false.
func (r Resolver) Build(refs []FileRef, entryID, fallbackTitle string, filtered bool) []Artifact {
	out := make([]Artifact, 0, len(refs))
	seen := map[string]bool{}
	r.appendRefs(&out, seen, refs, entryID, fallbackTitle, filtered)
	return out
}

// BuildFromEntry combines an entry's explicit file list (extension
// filtered) with collections found under its metadata (unfiltered),
// in that precedence.
func (r Resolver) BuildFromEntry(entryID, prompt string, files []FileRef, metadata map[string]any) []Artifact {
	out := make([]Artifact, 0, len(files))
	seen := map[string]bool{}

	r.appendRefs(&out, seen, files, entryID, prompt, true)
	r.appendRefs(&out, seen, metadataRefs(metadata), entryID, prompt, false)
	return out
}

func (r Resolver) appendRefs(out *[]Artifact, seen map[string]bool, refs []FileRef, entryID, fallbackTitle string, filtered bool) {
	for _, ref := range refs {
		if strings.TrimSpace(ref.Filename) == "" {
			continue
		}
		if filtered && !isImageFilename(ref.Filename) {
			continue
		}
		full := r.ViewURL(ref)
		if full == "" || seen[full] {
			continue
		}
		seen[full] = true
		*out = append(*out, Artifact{
			URL:           full,
			ThumbnailURL:  r.thumbnailURL(ref, full),
			Title:         pickTitle(ref, fallbackTitle),
			OriginEntryID: entryID,
		})
	}
}

// pickTitle prefers an explicit title, then the entry-level fallback
// (caption/prompt), then the bare filename.
func pickTitle(ref FileRef, fallback string) string {
	if t := strings.TrimSpace(ref.Title); t != "" {
		return t
	}
	if t := strings.TrimSpace(fallback); t != "" {
		return t
	}
	return ref.Filename
}

// metadataRefs extracts file references nested under recognized metadata
// collection keys, flattening one level of object-of-arrays.
func metadataRefs(metadata map[string]any) []FileRef {
	if len(metadata) == 0 {
		return nil
	}
	var out []FileRef
	for _, key := range metadataCollectionKeys {
		v, ok := metadata[key]
		if !ok {
			continue
		}
		switch x := v.(type) {
		case []any:
			out = append(out, coerceRefs(x)...)
		case map[string]any:
			for _, sub := range x {
				if arr, ok := sub.([]any); ok {
					out = append(out, coerceRefs(arr)...)
				}
			}
		}
	}
	return out
}

// coerceRefs converts loose list elements (strings or objects) into
// FileRefs, dropping anything unrecognizable.
func coerceRefs(items []any) []FileRef {
	out := make([]FileRef, 0, len(items))
	for _, item := range items {
		if ref, ok := CoerceRef(item); ok {
			out = append(out, ref)
		}
	}
	return out
}

// CoerceRef normalizes a single loose value into a FileRef: a bare
// filename string, or an object carrying filename/name/path plus
// optional routing and presentation fields.
func CoerceRef(v any) (FileRef, bool) {
	switch x := v.(type) {
	case string:
		name := strings.TrimSpace(x)
		if name == "" {
			return FileRef{}, false
		}
		return FileRef{Filename: name}, true
	case map[string]any:
		name := firstString(x, "filename", "name", "path")
		if name == "" {
			return FileRef{}, false
		}
		return FileRef{
			Filename:  name,
			Subfolder: firstString(x, "subfolder"),
			Type:      firstString(x, "type", "kind"),
			Preview:   firstString(x, "preview"),
			Title:     firstString(x, "title", "caption", "prompt"),
			Thumbnail: firstString(x, "thumbnail", "thumbnail_url", "thumb"),
		}, true
	case FileRef:
		if strings.TrimSpace(x.Filename) == "" {
			return FileRef{}, false
		}
		return x, true
	}
	return FileRef{}, false
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch s := v.(type) {
			case string:
				if t := strings.TrimSpace(s); t != "" {
					return t
				}
			}
		}
	}
	return ""
}
