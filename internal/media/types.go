// Package media keeps a content-addressed manifest of files under the
// media root and lets a peer detect and copy the files it is missing.
package media

import "errors"

// ErrInvalidPath is returned for paths that escape the media root.
var ErrInvalidPath = errors.New("media: invalid path")

const (
	BackendLocal = "local"
	// EncryptedSuffix marks files stored encrypted at rest.
	EncryptedSuffix = ".enc"
)

type ManifestItem struct {
	Path           string `json:"path"`
	Checksum       string `json:"checksum"`
	Size           int64  `json:"size"`
	ModifiedAt     string `json:"modified_at"`
	Encrypted      bool   `json:"encrypted"`
	StorageBackend string `json:"storage_backend"`
	SourceNode     string `json:"source_node"`
	UpdatedAt      string `json:"updated_at"`
	URL            string `json:"url,omitempty"`
}

type ManifestResponse struct {
	Items     []ManifestItem `json:"items"`
	Count     int            `json:"count"`
	Refreshed bool           `json:"refreshed"`
}

type FetchRequest struct {
	Paths            []string `json:"paths"`
	IncludeContent   bool     `json:"include_content"`
	ContentSizeLimit int64    `json:"content_size_limit,omitempty"`
}

type FetchItem struct {
	Path           string `json:"path"`
	Exists         bool   `json:"exists"`
	Size           int64  `json:"size,omitempty"`
	Checksum       string `json:"checksum,omitempty"`
	URL            string `json:"url,omitempty"`
	Content        string `json:"content,omitempty"`
	ContentOmitted bool   `json:"content_omitted,omitempty"`
	Error          string `json:"error,omitempty"`
}

type FetchResponse struct {
	Items []FetchItem `json:"items"`
	Count int         `json:"count"`
}
