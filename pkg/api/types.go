package api

// FileRef describes one downloadable file advertised by the metadata
// endpoint: a temporary URL plus the server-assigned filename.
type FileRef struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Metadata is the response of the download-metadata endpoint. The API
// returns either a single bundled archive, a list of individual temporary
// URLs, or neither when the interval holds no data. 404 responses reuse the
// Message field.
type Metadata struct {
	Bundle   *FileRef  `json:"bundle,omitempty"`
	TempURLs []FileRef `json:"temp_urls,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Files flattens the metadata into the list of files to fetch. The bundle
// takes precedence over the individual URLs; an empty result means the
// interval carries no data.
func (m *Metadata) Files() []FileRef {
	if m.Bundle != nil && m.Bundle.URL != "" {
		return []FileRef{*m.Bundle}
	}
	return m.TempURLs
}
