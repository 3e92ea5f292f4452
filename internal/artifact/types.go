package artifact

// FileRef is a raw, loosely-specified reference to a generated file as
// producers emit it: sometimes just a filename, sometimes a record with
// routing fields. Zero values mean "not specified".
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
	Preview   string `json:"preview,omitempty"`
	Title     string `json:"title,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Artifact is a resolved, displayable image resource.
type Artifact struct {
	URL           string `json:"url"`
	ThumbnailURL  string `json:"thumbnail_url"`
	Title         string `json:"title"`
	OriginEntryID string `json:"origin_entry_id,omitempty"`
}
