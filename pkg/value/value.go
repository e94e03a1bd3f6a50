// Package value implements the tagged-union typed value model of spec §3/§6:
// a Value is a (tag, bytes) pair with a deterministic big-endian binary
// encoding and structural equality.
package value

import (
	"encoding/binary"
	"math"

	"github.com/bobboyms/recordstore/pkg/errors"
)

// Tag identifies the concrete kind a Value holds.
type Tag byte

const (
	TagBoolean Tag = iota + 1
	TagInteger
	TagLong
	TagFloat
	TagDouble
	TagString
	TagTag
	TagLink
)

func (t Tag) String() string {
	switch t {
	case TagBoolean:
		return "BOOLEAN"
	case TagInteger:
		return "INTEGER"
	case TagLong:
		return "LONG"
	case TagFloat:
		return "FLOAT"
	case TagDouble:
		return "DOUBLE"
	case TagString:
		return "STRING"
	case TagTag:
		return "TAG"
	case TagLink:
		return "LINK"
	default:
		return "UNKNOWN"
	}
}

// Value is the tagged union over {Boolean, Integer, Long, Float, Double,
// String, Tag, Link}. Implementations are immutable and comparable by
// structural (tag, bytes) equality.
type Value interface {
	// Tag returns the kind discriminator.
	Tag() Tag
	// Payload returns the type's encoded bytes, without the leading tag
	// byte. For TAG/STRING this is the raw UTF-8 bytes with no terminator;
	// the enclosing Write record frames their length (spec §6).
	Payload() []byte
	// Equal reports structural equality: same tag, same payload bytes.
	Equal(other Value) bool
}

// Encode renders the tag byte followed by the value's payload, per spec §6
// "Each stored typed value is a tag byte followed by a payload."
func Encode(v Value) []byte {
	out := make([]byte, 0, 1+len(v.Payload()))
	out = append(out, byte(v.Tag()))
	out = append(out, v.Payload()...)
	return out
}

// Decode reconstructs a Value from a tag byte and its payload bytes. For
// TAG/STRING the caller must have already sliced payload to the framed
// length; Decode does not consume a length prefix itself.
func Decode(tag byte, payload []byte) (Value, error) {
	switch Tag(tag) {
	case TagBoolean:
		if len(payload) != 1 {
			return nil, errors.NewInvalidWriteError("boolean value payload must be 1 byte")
		}
		return Boolean(payload[0] != 0), nil
	case TagInteger:
		if len(payload) != 4 {
			return nil, errors.NewInvalidWriteError("integer value payload must be 4 bytes")
		}
		return Integer(int32(binary.BigEndian.Uint32(payload))), nil
	case TagLong:
		if len(payload) != 8 {
			return nil, errors.NewInvalidWriteError("long value payload must be 8 bytes")
		}
		return Long(int64(binary.BigEndian.Uint64(payload))), nil
	case TagFloat:
		if len(payload) != 4 {
			return nil, errors.NewInvalidWriteError("float value payload must be 4 bytes")
		}
		return Float(math.Float32frombits(binary.BigEndian.Uint32(payload))), nil
	case TagDouble:
		if len(payload) != 8 {
			return nil, errors.NewInvalidWriteError("double value payload must be 8 bytes")
		}
		return Double(math.Float64frombits(binary.BigEndian.Uint64(payload))), nil
	case TagString:
		b := make([]byte, len(payload))
		copy(b, payload)
		return String(string(b)), nil
	case TagTag:
		b := make([]byte, len(payload))
		copy(b, payload)
		return TagVariant(string(b)), nil
	case TagLink:
		if len(payload) != 8 {
			return nil, errors.NewInvalidWriteError("link value payload must be 8 bytes")
		}
		return Link(binary.BigEndian.Uint64(payload)), nil
	default:
		return nil, errors.NewInvalidWriteError("unknown value tag")
	}
}

// Boolean is the BOOLEAN value kind.
type Boolean bool

func (b Boolean) Tag() Tag { return TagBoolean }
func (b Boolean) Payload() []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}
func (b Boolean) Equal(o Value) bool { return equalSameTag(b, o) }

// Integer is the 32-bit INTEGER value kind.
type Integer int32

func (i Integer) Tag() Tag { return TagInteger }
func (i Integer) Payload() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(i))
	return buf
}
func (i Integer) Equal(o Value) bool { return equalSameTag(i, o) }

// Long is the 64-bit LONG value kind.
type Long int64

func (l Long) Tag() Tag { return TagLong }
func (l Long) Payload() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(l))
	return buf
}
func (l Long) Equal(o Value) bool { return equalSameTag(l, o) }

// Float is the 32-bit FLOAT value kind.
type Float float32

func (f Float) Tag() Tag { return TagFloat }
func (f Float) Payload() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
	return buf
}
func (f Float) Equal(o Value) bool { return equalSameTag(f, o) }

// Double is the 64-bit DOUBLE value kind.
type Double float64

func (d Double) Tag() Tag { return TagDouble }
func (d Double) Payload() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(float64(d)))
	return buf
}
func (d Double) Equal(o Value) bool { return equalSameTag(d, o) }

// String is the STRING value kind: UTF-8 bytes, no terminator.
type String string

func (s String) Tag() Tag        { return TagString }
func (s String) Payload() []byte { return []byte(s) }
func (s String) Equal(o Value) bool { return equalSameTag(s, o) }

// TagVariant is the TAG value kind: a string-like enum variant distinct from
// STRING so that equality never crosses kinds (spec §3: "equality is
// structural over (tag, bytes)").
type TagVariant string

func (t TagVariant) Tag() Tag        { return TagTag }
func (t TagVariant) Payload() []byte { return []byte(t) }
func (t TagVariant) Equal(o Value) bool { return equalSameTag(t, o) }

// Link is a 64-bit record id reference, the LINK value kind.
type Link uint64

func (l Link) Tag() Tag { return TagLink }
func (l Link) Payload() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(l))
	return buf
}
func (l Link) Equal(o Value) bool { return equalSameTag(l, o) }

// Compare orders two values of the same tag, used by range-lock interval
// overlap tests and explore/range queries. ok is false when the tags differ
// or the kind has no total order (TAG, LINK): callers must then treat the
// comparison conservatively.
func Compare(a, b Value) (cmp int, ok bool) {
	if a.Tag() != b.Tag() {
		return 0, false
	}
	switch av := a.(type) {
	case Boolean:
		bv := b.(Boolean)
		if av == bv {
			return 0, true
		}
		if !bool(av) && bool(bv) {
			return -1, true
		}
		return 1, true
	case Integer:
		bv := b.(Integer)
		return compareOrdered(int64(av), int64(bv)), true
	case Long:
		bv := b.(Long)
		return compareOrdered(int64(av), int64(bv)), true
	case Float:
		bv := b.(Float)
		return compareOrdered(float64(av), float64(bv)), true
	case Double:
		bv := b.(Double)
		return compareOrdered(float64(av), float64(bv)), true
	case String:
		bv := b.(String)
		return compareOrdered(string(av), string(bv)), true
	default:
		return 0, false
	}
}

func compareOrdered[T int64 | float64 | string](a, b T) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func equalSameTag(v Value, o Value) bool {
	if o == nil || v.Tag() != o.Tag() {
		return false
	}
	a, b := v.Payload(), o.Payload()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
