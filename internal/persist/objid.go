package persist

import (
	"bytes"
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"

	"github.com/systemshift/memex-vstore/internal/codec"
)

// ObjID identifies an object by the SHA2-256 multihash of its serialized
// bytes. ObjIDs are comparable with ==. The zero value is invalid.
type ObjID struct {
	mh string
}

// EmptyObjID is the "no object" sentinel: the hash of zero bytes. It is the
// parent of every root commit and never resolves to a stored object.
var EmptyObjID = HashObjID(nil)

// HashObjID computes the ObjID for the given serialized bytes.
func HashObjID(data []byte) ObjID {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// SHA2_256 is always registered.
		panic("persist: multihash: " + err.Error())
	}
	return ObjID{mh: string(mh)}
}

// ObjIDFromBytes parses raw multihash bytes.
func ObjIDFromBytes(b []byte) (ObjID, error) {
	if len(b) == 0 {
		return ObjID{}, nil
	}
	if _, err := multihash.Cast(b); err != nil {
		return ObjID{}, fmt.Errorf("invalid object id: %w", err)
	}
	return ObjID{mh: string(b)}, nil
}

// ParseObjID parses the base32 multibase text form produced by String.
func ParseObjID(s string) (ObjID, error) {
	_, b, err := multibase.Decode(s)
	if err != nil {
		return ObjID{}, fmt.Errorf("decode object id %q: %w", s, err)
	}
	return ObjIDFromBytes(b)
}

// ObjIDFromCID extracts the ObjID addressed by a CID.
func ObjIDFromCID(c gocid.Cid) ObjID {
	return ObjID{mh: string(c.Hash())}
}

// IsZero reports whether id is the invalid zero value.
func (id ObjID) IsZero() bool { return id.mh == "" }

// Bytes returns the raw multihash bytes.
func (id ObjID) Bytes() []byte { return []byte(id.mh) }

// Compare orders ObjIDs by their raw bytes.
func (id ObjID) Compare(other ObjID) int {
	return bytes.Compare([]byte(id.mh), []byte(other.mh))
}

// String returns the base32 multibase encoding, the same form used for
// object file names.
func (id ObjID) String() string {
	if id.IsZero() {
		return ""
	}
	encoded, _ := multibase.Encode(multibase.Base32, []byte(id.mh))
	return encoded
}

// CID returns a CIDv1 (dag-cbor codec) addressing the same bytes.
func (id ObjID) CID() gocid.Cid {
	if id.IsZero() {
		return gocid.Undef
	}
	return gocid.NewCidV1(gocid.DagCBOR, multihash.Multihash(id.mh))
}

func (id ObjID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ObjID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = ObjID{}
		return nil
	}
	parsed, err := ParseObjID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalCBOR encodes the id as a CBOR byte string of the raw multihash.
func (id ObjID) MarshalCBOR() ([]byte, error) {
	return codec.Marshal([]byte(id.mh))
}

func (id *ObjID) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := codec.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ObjIDFromBytes(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
