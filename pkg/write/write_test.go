package write

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/recordstore/pkg/value"
)

func TestClockIsStrictlyIncreasing(t *testing.T) {
	c := NewClock(0)
	a := c.Next()
	b := c.Next()
	require.Less(t, a, b)
	require.Equal(t, b, c.Current())
}

func TestClockAdvanceOnlyMovesForward(t *testing.T) {
	c := NewClock(0)
	c.Advance(10)
	require.Equal(t, uint64(10), c.Current())
	c.Advance(5)
	require.Equal(t, uint64(10), c.Current())
}

func TestNewAssignsVersionExceptForCompare(t *testing.T) {
	c := NewClock(0)
	w := New(ADD, "name", value.String("alice"), 1, c)
	require.NotZero(t, w.Version)
	require.True(t, w.IsStorable())

	probe := New(COMPARE, "name", value.String("alice"), 1, c)
	require.Zero(t, probe.Version)
	require.False(t, probe.IsStorable())
}

func TestWriteMatches(t *testing.T) {
	c := NewClock(0)
	w := New(ADD, "name", value.String("alice"), 1, c)
	require.True(t, w.Matches("name", value.String("alice"), 1))
	require.False(t, w.Matches("name", value.String("bob"), 1))
	require.False(t, w.Matches("name", value.String("alice"), 2))
}

func TestWriteEncodeDecodeRoundTrips(t *testing.T) {
	c := NewClock(0)
	w := New(REMOVE, "tags", value.String("blue"), 42, c)

	buf, err := w.Encode()
	require.NoError(t, err)

	decoded, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, w.Action, decoded.Action)
	require.Equal(t, w.Key, decoded.Key)
	require.Equal(t, w.Record, decoded.Record)
	require.Equal(t, w.Version, decoded.Version)
	require.True(t, w.Value.Equal(decoded.Value))
}

func TestEncodeRejectsCompareWrites(t *testing.T) {
	c := NewClock(0)
	w := New(COMPARE, "name", value.String("alice"), 1, c)
	_, err := w.Encode()
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestTokenConstructors(t *testing.T) {
	require.Equal(t, Token{Kind: ScopeRecord, Record: 1}, RecordToken(1))
	require.Equal(t, Token{Kind: ScopeKey, Key: "name"}, KeyToken("name"))
	require.Equal(t, Token{Kind: ScopeKeyRecord, Key: "name", Record: 1}, KeyRecordToken("name", 1))
}

func TestTokenEncodeDecodeRoundTrips(t *testing.T) {
	tok := KeyRecordToken("name", 99)
	buf := tok.Encode()

	decoded, n, err := DecodeToken(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, tok, decoded)
}

func TestDecodeTokenRejectsTruncatedBuffer(t *testing.T) {
	_, _, err := DecodeToken([]byte{1})
	require.Error(t, err)
}

func TestTokenIsUsableAsMapKey(t *testing.T) {
	m := map[Token]int{}
	m[RecordToken(1)] = 1
	m[KeyToken("name")] = 2
	require.Len(t, m, 2)
	m[RecordToken(1)] = 3
	require.Len(t, m, 2)
}
