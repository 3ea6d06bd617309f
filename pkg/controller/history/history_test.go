package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndList(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append("p1", "session-a"))
	require.NoError(t, store.Append("p2", "session-b"))
	require.NoError(t, store.Append("p1", "session-c"))

	all, err := store.Records()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "session-a", all[0].SessionID)
	assert.False(t, all[0].Timestamp.IsZero())

	p1, err := store.ForPartition("p1")
	require.NoError(t, err)
	require.Len(t, p1, 2)
	assert.Equal(t, "session-c", p1[1].SessionID)
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/history"
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append("p1", "s1"))
	records, err := store.Records()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
