package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestGeneratorNewSessionID ensures generated IDs are unique v7 UUIDs.
func TestGeneratorNewSessionID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewSessionID()
	require.NoError(t, err)
	id2, err := gen.NewSessionID()
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.Equal(t, goUUID.Version(7), id1.Version())
	require.NotEqual(t, goUUID.Nil, id2)
}
