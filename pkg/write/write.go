// Package write implements the Write record and Token of spec §3/§6: an
// immutable (action, key, value, record, version) tuple plus the scope
// identifiers used to name locks and version-change subscriptions.
package write

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/bobboyms/recordstore/pkg/errors"
	"github.com/bobboyms/recordstore/pkg/value"
)

// Action is the kind of membership toggle a Write performs.
type Action uint8

const (
	// ADD inserts a value into a field.
	ADD Action = 1
	// REMOVE deletes a value from a field.
	REMOVE Action = 2
	// COMPARE is a non-storable read probe (spec §4.5): it never enters a
	// buffer and carries no version.
	COMPARE Action = 3
)

func (a Action) String() string {
	switch a {
	case ADD:
		return "ADD"
	case REMOVE:
		return "REMOVE"
	case COMPARE:
		return "COMPARE"
	default:
		return "UNKNOWN"
	}
}

// Clock is a monotonic, strictly-increasing version source. One Clock is
// owned per engine instance (spec §9: "globally unique per engine instance;
// ties must be broken deterministically"), a plain atomic counter gives
// both properties without wall-clock ambiguity.
type Clock struct {
	counter uint64
}

// NewClock creates a clock starting above start (so recovery can resume
// from the highest version observed in a checkpoint/backup).
func NewClock(start uint64) *Clock {
	return &Clock{counter: start}
}

// Next returns the next strictly increasing version.
func (c *Clock) Next() uint64 {
	return atomic.AddUint64(&c.counter, 1)
}

// Current returns the last version handed out, without advancing.
func (c *Clock) Current() uint64 {
	return atomic.LoadUint64(&c.counter)
}

// Advance bumps the clock to at least v, used during recovery to avoid
// reissuing a version that already appears in a recovered Write.
func (c *Clock) Advance(v uint64) {
	for {
		cur := atomic.LoadUint64(&c.counter)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&c.counter, cur, v) {
			return
		}
	}
}

// Write is the immutable intent record of spec §3: a membership toggle of
// one value in one field at a version. COMPARE writes are never inserted
// into a buffer (IsStorable reports false for them); New gives them
// Version 0, while a COMPARE probe built for Buffer.Verify carries its read
// timestamp in Version as the upper bound.
type Write struct {
	Action  Action
	Key     string
	Value   value.Value
	Record  uint64
	Version uint64
}

// New constructs a Write, assigning its version from clock unless action is
// COMPARE (spec §3: "notStorable variants carry no version").
func New(action Action, key string, v value.Value, record uint64, clock *Clock) Write {
	w := Write{Action: action, Key: key, Value: v, Record: record}
	if action != COMPARE {
		w.Version = clock.Next()
	}
	return w
}

// IsStorable reports whether this Write may be inserted into a buffer.
// COMPARE writes are read probes only (spec §4.5).
func (w Write) IsStorable() bool { return w.Action != COMPARE }

// Matches reports whether this Write's (key, value, record) triple equals
// the given triple, used by Limbo.Verify/Explore to fold toggles.
func (w Write) Matches(key string, v value.Value, record uint64) bool {
	return w.Key == key && w.Record == record && v.Equal(w.Value)
}

// Encode renders the write-record byte layout of spec §6:
// action(1) version(8) keyLen(4)+key valueTag(1)+valueLen(4)+value record(8).
func (w Write) Encode() ([]byte, error) {
	if !w.IsStorable() {
		return nil, errors.NewInvalidWriteError("COMPARE writes cannot be encoded for storage")
	}
	keyBytes := []byte(w.Key)
	payload := w.Value.Payload()

	buf := make([]byte, 0, 1+8+4+len(keyBytes)+1+4+len(payload)+8)
	buf = append(buf, byte(w.Action))
	buf = appendUint64(buf, w.Version)
	buf = appendUint32(buf, uint32(len(keyBytes)))
	buf = append(buf, keyBytes...)
	buf = append(buf, byte(w.Value.Tag()))
	buf = appendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = appendUint64(buf, w.Record)
	return buf, nil
}

// Decode parses a single write-record from buf, returning the Write and the
// number of bytes consumed.
func Decode(buf []byte) (Write, int, error) {
	var w Write
	if len(buf) < 1+8+4 {
		return w, 0, errors.NewCorruptBackupError("", "truncated write record header")
	}
	pos := 0
	w.Action = Action(buf[pos])
	pos++
	w.Version = binary.BigEndian.Uint64(buf[pos:])
	pos += 8
	keyLen := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4
	if len(buf) < pos+keyLen+1+4 {
		return w, 0, errors.NewCorruptBackupError("", "truncated write record key/value")
	}
	w.Key = string(buf[pos : pos+keyLen])
	pos += keyLen

	tag := buf[pos]
	pos++
	valLen := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4
	if len(buf) < pos+valLen+8 {
		return w, 0, errors.NewCorruptBackupError("", "truncated write record value/record-id")
	}
	v, err := value.Decode(tag, buf[pos:pos+valLen])
	if err != nil {
		return w, 0, err
	}
	w.Value = v
	pos += valLen

	w.Record = binary.BigEndian.Uint64(buf[pos:])
	pos += 8

	return w, pos, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// ScopeKind distinguishes the three Token shapes spec §3 names.
type ScopeKind uint8

const (
	ScopeRecord ScopeKind = iota + 1
	ScopeKey
	ScopeKeyRecord
)

// Token is a hashable scope identifier naming the unit of concurrency a lock
// or version-change subscription targets: a record, a key, or a (key,
// record) pair. Token is a plain comparable struct so it can be used
// directly as a map key.
type Token struct {
	Kind   ScopeKind
	Key    string
	Record uint64
}

// RecordToken scopes to a single record across all its keys.
func RecordToken(record uint64) Token {
	return Token{Kind: ScopeRecord, Record: record}
}

// KeyToken scopes to a single key across all records.
func KeyToken(key string) Token {
	return Token{Kind: ScopeKey, Key: key}
}

// KeyRecordToken scopes to one field: a (key, record) pair.
func KeyRecordToken(key string, record uint64) Token {
	return Token{Kind: ScopeKeyRecord, Key: key, Record: record}
}

func (t Token) String() string {
	switch t.Kind {
	case ScopeRecord:
		return fmt.Sprintf("record:%d", t.Record)
	case ScopeKey:
		return fmt.Sprintf("key:%s", t.Key)
	case ScopeKeyRecord:
		return fmt.Sprintf("key:%s/record:%d", t.Key, t.Record)
	default:
		return "token:invalid"
	}
}

// Encode serializes a Token to bytes so a LockDescription can be persisted
// in a transaction backup file (spec §6 "LockDescription").
func (t Token) Encode() []byte {
	keyBytes := []byte(t.Key)
	buf := make([]byte, 0, 1+4+len(keyBytes)+8)
	buf = append(buf, byte(t.Kind))
	buf = appendUint32(buf, uint32(len(keyBytes)))
	buf = append(buf, keyBytes...)
	buf = appendUint64(buf, t.Record)
	return buf
}

// DecodeToken parses a Token from buf, returning it and the bytes consumed.
func DecodeToken(buf []byte) (Token, int, error) {
	var t Token
	if len(buf) < 1+4 {
		return t, 0, errors.NewCorruptBackupError("", "truncated token")
	}
	pos := 0
	t.Kind = ScopeKind(buf[pos])
	pos++
	keyLen := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4
	if len(buf) < pos+keyLen+8 {
		return t, 0, errors.NewCorruptBackupError("", "truncated token key/record")
	}
	t.Key = string(buf[pos : pos+keyLen])
	pos += keyLen
	t.Record = binary.BigEndian.Uint64(buf[pos:])
	pos += 8
	return t, pos, nil
}
