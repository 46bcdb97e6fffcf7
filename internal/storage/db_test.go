package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMemory_AppendAndRead(t *testing.T) {
	db := openTest(t)

	for i, c := range []string{"first", "second", "third"} {
		length, err := db.AppendMemory(c, int64(1000+i))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), length)
	}

	entries, err := db.ReadMemory(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Content)
	assert.Equal(t, "third", entries[2].Content)
}

func TestMemory_LimitReturnsNewestInOrder(t *testing.T) {
	db := openTest(t)
	for _, c := range []string{"a", "b", "c", "d"} {
		_, err := db.AppendMemory(c, 1)
		require.NoError(t, err)
	}

	entries, err := db.ReadMemory(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Content)
	assert.Equal(t, "d", entries[1].Content)
}

func TestBlobs_RoundTripAndOverwrite(t *testing.T) {
	db := openTest(t)

	require.NoError(t, db.PutBlob("notes.txt", []byte("v1"), 100))
	require.NoError(t, db.PutBlob("notes.txt", []byte("version two"), 200))

	data, ok, err := db.GetBlob("notes.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("version two"), data)

	_, ok, err = db.GetBlob("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlobs_List(t *testing.T) {
	db := openTest(t)
	require.NoError(t, db.PutBlob("b.bin", []byte{1, 2, 3}, 100))
	require.NoError(t, db.PutBlob("a.bin", []byte{1}, 200))

	infos, err := db.ListBlobs()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a.bin", infos[0].Name)
	assert.Equal(t, int64(1), infos[0].Size)
	assert.Equal(t, "b.bin", infos[1].Name)
	assert.Equal(t, int64(3), infos[1].Size)
}
