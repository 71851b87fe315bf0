package fuse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/systemshift/memex-vstore/internal/persist"
)

// stableIno returns a stable inode number for a path in the view.
func stableIno(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}

// Reference names contain slashes; a directory entry cannot.
const refSeparator = "__"

func encodeRefName(name string) string {
	return strings.ReplaceAll(name, "/", refSeparator)
}

func decodeRefName(entry string) string {
	return strings.ReplaceAll(entry, refSeparator, "/")
}

func renderHead(ref persist.Reference) []byte {
	return []byte(ref.Pointer.String() + "\n")
}

type commitView struct {
	ID      persist.ObjID         `json:"id"`
	Parent  persist.ObjID         `json:"parent"`
	Seq     uint64                `json:"seq"`
	Created time.Time             `json:"created"`
	Headers persist.Headers       `json:"headers,omitempty"`
	Message string                `json:"message,omitempty"`
	Index   []persist.IndexEntry  `json:"index,omitempty"`
	Stripes []persist.IndexStripe `json:"stripes,omitempty"`
}

func renderCommit(c *persist.CommitObj) ([]byte, error) {
	data, err := json.MarshalIndent(commitView{
		ID:      c.ID(),
		Parent:  c.Parent,
		Seq:     c.Seq,
		Created: time.UnixMicro(c.Created).UTC(),
		Headers: c.Headers,
		Message: c.Message,
		Index:   c.Index,
		Stripes: c.Stripes,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render commit %s: %w", c.ID(), err)
	}
	return append(data, '\n'), nil
}

// renderKeys writes one line per visible entry: key, value id and
// content id, tab separated.
func renderKeys(entries []persist.IndexEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%s\t%s\t%s\n", e.Key, e.Value, e.ContentID)
	}
	return buf.Bytes()
}
