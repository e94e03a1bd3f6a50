package permanent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/recordstore/pkg/value"
	"github.com/bobboyms/recordstore/pkg/write"
)

func TestRevisionRendersFieldsAsReadableJSON(t *testing.T) {
	clock := write.NewClock(0)
	w := write.New(write.ADD, "name", value.String("alice"), 1, clock)

	out := Revision(w)
	require.Contains(t, out, "ADD")
	require.Contains(t, out, "name")
	require.Contains(t, out, "alice")
}

func TestRevisionHandlesEveryValueKind(t *testing.T) {
	clock := write.NewClock(0)
	kinds := []value.Value{
		value.Boolean(true),
		value.Integer(7),
		value.Long(8),
		value.Float(1.5),
		value.Double(2.5),
		value.String("x"),
		value.TagVariant("active"),
		value.Link(9),
	}
	for _, v := range kinds {
		w := write.New(write.ADD, "k", v, 1, clock)
		out := Revision(w)
		require.True(t, strings.Contains(out, "ADD"))
	}
}
