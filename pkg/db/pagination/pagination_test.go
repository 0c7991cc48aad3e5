package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct{ id string }

func TestPage(t *testing.T) {
	data := []*row{{"3"}, {"2"}, {"1"}}

	out, info := Page(data, 2, func(r *row) string { return r.id })
	require.Len(t, out, 2)
	require.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "2", cursor.ID)

	out, info = Page(data, 5, func(r *row) string { return r.id })
	require.Len(t, out, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}
