package persist

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/systemshift/memex-vstore/internal/codec"
)

// Serialized objects are one type byte followed by the deterministic CBOR
// encoding of the object body. An object's id is the hash of exactly these
// bytes, so identical logical content always lands under the same id.

// NoLimit disables the index size checks of Serialize.
const NoLimit = math.MaxInt

// Serialize encodes obj. The inline index of a commit must not exceed
// incrementalLimit and the entries of an index segment must not exceed
// segmentLimit, both measured with EncodedIndexSize.
func Serialize(obj Obj, incrementalLimit, segmentLimit int) ([]byte, error) {
	switch o := obj.(type) {
	case *CommitObj:
		size, err := EncodedIndexSize(o.Index)
		if err != nil {
			return nil, err
		}
		if size > incrementalLimit {
			return nil, &ObjTooLargeError{Size: size, Limit: incrementalLimit}
		}
	case *IndexSegmentObj:
		size, err := EncodedIndexSize(o.Entries)
		if err != nil {
			return nil, err
		}
		if size > segmentLimit {
			return nil, &ObjTooLargeError{Size: size, Limit: segmentLimit}
		}
	}
	return serializeBody(obj)
}

func serializeBody(obj Obj) ([]byte, error) {
	if !obj.Type().valid() {
		return nil, fmt.Errorf("serialize: unknown object type %s", obj.Type())
	}
	if err := checkText(obj); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", obj.Type(), err)
	}
	body, err := codec.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", obj.Type(), err)
	}
	data := make([]byte, 0, len(body)+1)
	data = append(data, byte(obj.Type()))
	return append(data, body...), nil
}

// The decoder rejects CBOR text strings that are not valid UTF-8, so the
// encoder side must never produce them: an object that stored fine but
// cannot be read back would look like a missing object forever.

// ValidText reports an error wrapping ErrInvalidArgument if s is not
// valid UTF-8. what names the offending field.
func ValidText(what, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s %q is not valid UTF-8: %w", what, s, ErrInvalidArgument)
	}
	return nil
}

// ValidKey checks every element of key with ValidText.
func ValidKey(key StoreKey) error {
	for _, elem := range key {
		if err := ValidText("key element", elem); err != nil {
			return err
		}
	}
	return nil
}

// ValidHeaders checks every header name and value with ValidText.
func ValidHeaders(h Headers) error {
	for name, values := range h {
		if err := ValidText("header name", name); err != nil {
			return err
		}
		for _, v := range values {
			if err := ValidText("header "+name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func validEntries(entries []IndexEntry) error {
	for i := range entries {
		if err := ValidKey(entries[i].Key); err != nil {
			return err
		}
		if err := ValidText("content id", entries[i].ContentID); err != nil {
			return err
		}
	}
	return nil
}

// checkText validates every text field of obj.
func checkText(obj Obj) error {
	switch o := obj.(type) {
	case *CommitObj:
		if err := ValidText("message", o.Message); err != nil {
			return err
		}
		if err := ValidHeaders(o.Headers); err != nil {
			return err
		}
		for _, stripe := range o.Stripes {
			if err := ValidKey(stripe.FirstKey); err != nil {
				return err
			}
			if err := ValidKey(stripe.LastKey); err != nil {
				return err
			}
		}
		return validEntries(o.Index)
	case *IndexSegmentObj:
		return validEntries(o.Entries)
	case *ContentValueObj:
		return ValidText("content id", o.ContentID)
	case *StringObj:
		if err := ValidText("content type", o.ContentType); err != nil {
			return err
		}
		return ValidText("compression", o.Compression)
	}
	return nil
}

// Deserialize reconstructs the object stored under id. Bytes that do not
// decode to a known object type are reported as not found, with the decode
// failure as the cause.
func Deserialize(id ObjID, data []byte) (Obj, error) {
	if len(data) == 0 {
		return nil, &ObjNotFoundError{IDs: []ObjID{id}, Cause: fmt.Errorf("empty object data")}
	}
	var obj identified
	switch ObjType(data[0]) {
	case ObjCommit:
		obj = &CommitObj{}
	case ObjContentValue:
		obj = &ContentValueObj{}
	case ObjIndexSegment:
		obj = &IndexSegmentObj{}
	case ObjString:
		obj = &StringObj{}
	default:
		return nil, &ObjNotFoundError{IDs: []ObjID{id}, Cause: fmt.Errorf("unknown object type byte %d", data[0])}
	}
	if err := codec.Unmarshal(data[1:], obj); err != nil {
		return nil, &ObjNotFoundError{IDs: []ObjID{id}, Cause: fmt.Errorf("decode %s: %w", ObjType(data[0]), err)}
	}
	obj.setID(id)
	return obj, nil
}

// DeserializeTyped is Deserialize that also treats a type mismatch as
// not found, so asking for the wrong type looks the same as asking for a
// missing object.
func DeserializeTyped(id ObjID, data []byte, want ObjType) (Obj, error) {
	if len(data) > 0 && ObjType(data[0]) != want {
		return nil, &ObjNotFoundError{IDs: []ObjID{id}}
	}
	return Deserialize(id, data)
}

// PeekType returns the object type recorded in serialized bytes.
func PeekType(data []byte) (ObjType, bool) {
	if len(data) == 0 || !ObjType(data[0]).valid() {
		return 0, false
	}
	return ObjType(data[0]), true
}

// EncodedIndexSize returns the exact number of bytes the CBOR encoding of
// entries occupies. It is the size measure for both the codec limits and
// the spill partitioning done by commit logic.
func EncodedIndexSize(entries []IndexEntry) (int, error) {
	size := codec.ArrayHeaderSize(len(entries))
	for i := range entries {
		n, err := EncodedEntrySize(entries[i])
		if err != nil {
			return 0, err
		}
		size += n
	}
	return size, nil
}

// EncodedEntrySize returns the CBOR size of a single index entry.
func EncodedEntrySize(entry IndexEntry) (int, error) {
	data, err := codec.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encode index entry %s: %w", entry.Key, err)
	}
	return len(data), nil
}

func identify[O identified](obj O) (O, error) {
	data, err := serializeBody(obj)
	if err != nil {
		return obj, err
	}
	obj.setID(HashObjID(data))
	return obj, nil
}

// NewCommit finalizes a commit, computing its id from its serialized bytes.
// The caller is responsible for having spilled the index beforehand.
func NewCommit(c CommitObj) (*CommitObj, error) {
	return identify(&c)
}

// NewContentValue builds a content value object.
func NewContentValue(contentID string, payload uint8, data []byte) (*ContentValueObj, error) {
	return identify(&ContentValueObj{ContentID: contentID, Payload: payload, Data: data})
}

// NewIndexSegment builds an index segment from key-sorted entries.
func NewIndexSegment(entries []IndexEntry) (*IndexSegmentObj, error) {
	return identify(&IndexSegmentObj{Entries: entries})
}

// NewString builds a string object. A zero id derives the id from the
// content; a non-zero id pins the object to a well-known id, which is only
// meaningful together with UpsertObj.
func NewString(id ObjID, contentType string, data []byte, predecessors ...ObjID) (*StringObj, error) {
	s := &StringObj{ContentType: contentType, Data: data, Predecessors: predecessors}
	if id.IsZero() {
		return identify(s)
	}
	s.setID(id)
	return s, nil
}

// SerializeReference encodes a reference for key-value backends.
func SerializeReference(ref Reference) ([]byte, error) {
	if err := ValidText("reference name", ref.Name); err != nil {
		return nil, err
	}
	data, err := codec.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("serialize reference %s: %w", ref.Name, err)
	}
	return data, nil
}

// DeserializeReference decodes a reference; nil data yields nil.
func DeserializeReference(data []byte) (*Reference, error) {
	if data == nil {
		return nil, nil
	}
	var ref Reference
	if err := codec.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("deserialize reference: %w", err)
	}
	return &ref, nil
}
