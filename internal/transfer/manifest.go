package transfer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// ManifestName is the bundle's metadata file. It is written last, so a
// bundle without it is incomplete.
const ManifestName = "export-meta.json"

// FormatVersion is the bundle layout version this package writes and
// accepts.
const FormatVersion = 1

// Manifest describes a bundle.
type Manifest struct {
	FormatVersion   int         `json:"format_version"`
	Producer        string      `json:"producer"`
	BundleID        string      `json:"bundle_id"`
	CreatedAt       time.Time   `json:"created_at"`
	RepositoryID    string      `json:"repository_id"`
	DefaultBranch   string      `json:"default_branch,omitempty"`
	Compression     Compression `json:"compression"`
	Commits         int         `json:"commits"`
	Objects         int         `json:"objects"`
	NamedReferences int         `json:"named_references"`
	CommitFiles     []FileEntry `json:"commit_files"`
	ReferenceFiles  []FileEntry `json:"reference_files"`
}

// FileEntry describes one batch file as stored in the bundle.
type FileEntry struct {
	Name    string `json:"name"`
	Records int    `json:"records"`
	Size    int64  `json:"size"`
	BLAKE3  string `json:"blake3"`
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeManifest(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, invalidf("decode manifest: %v", err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, invalidf("unsupported format version %d", m.FormatVersion)
	}
	if _, err := ParseCompression(string(m.Compression)); err != nil {
		return nil, invalidf("%v", err)
	}
	if m.BundleID == "" {
		return nil, invalidf("manifest has no bundle id")
	}
	return &m, nil
}
