package btree

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndQueryRange(t *testing.T) {
	tr := New(4)
	for i := int64(0); i < 20; i++ {
		tr.Insert(i*10, fmt.Sprintf("id-%d", i))
	}

	ids := tr.QueryRange(50, 90)
	require.Equal(t, []string{"id-5", "id-6", "id-7", "id-8", "id-9"}, ids)
}

func TestInsertSameTimestampMultipleIDs(t *testing.T) {
	tr := New(4)
	tr.Insert(100, "a")
	tr.Insert(100, "b")
	tr.Insert(100, "c")

	ids := tr.QueryRange(100, 100)
	require.ElementsMatch(t, []string{"a", "b", "c"}, ids)
}

func TestRemove(t *testing.T) {
	tr := New(4)
	for i := int64(0); i < 30; i++ {
		tr.Insert(i, fmt.Sprintf("id-%d", i))
	}

	require.True(t, tr.Remove(15, "id-15"))
	require.False(t, tr.Remove(15, "id-15"))
	require.False(t, tr.Remove(999, "missing"))

	ids := tr.QueryRange(10, 20)
	require.NotContains(t, ids, "id-15")
	require.Equal(t, 29, tr.GetStats().Size)
}

func TestRemoveManyKeepsTreeConsistent(t *testing.T) {
	tr := New(4)
	const n = 200
	for i := int64(0); i < n; i++ {
		tr.Insert(i, fmt.Sprintf("id-%d", i))
	}
	for i := int64(0); i < n; i += 2 {
		require.True(t, tr.Remove(i, fmt.Sprintf("id-%d", i)))
	}

	ids := tr.QueryRange(0, n)
	require.Len(t, ids, n/2)
	for i := int64(1); i < n; i += 2 {
		require.Contains(t, ids, fmt.Sprintf("id-%d", i))
	}
}

func TestGetNearest(t *testing.T) {
	tr := New(4)
	for _, ts := range []int64{10, 20, 30, 40, 50} {
		tr.Insert(ts, fmt.Sprintf("id-%d", ts))
	}

	nearest := tr.GetNearest(32, 2)
	require.Equal(t, []string{"id-30", "id-40"}, nearest)
}

func TestGetNearest_TieBreaksLeftFirst(t *testing.T) {
	tr := New(4)
	tr.Insert(10, "left")
	tr.Insert(30, "right")

	nearest := tr.GetNearest(20, 1)
	require.Equal(t, []string{"left"}, nearest)
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	tr := New(4)
	for i := int64(0); i < 50; i++ {
		tr.Insert(i, fmt.Sprintf("id-%d", i))
	}

	path := filepath.Join(t.TempDir(), "time_index.btree")
	require.NoError(t, tr.Persist(path))

	restored, ok, err := Restore(path, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tr.GetStats().Size, restored.GetStats().Size)
	require.Equal(t, tr.QueryRange(0, 50), restored.QueryRange(0, 50))
}

func TestRestoreMissingFileReturnsFalse(t *testing.T) {
	restored, ok, err := Restore(filepath.Join(t.TempDir(), "missing.btree"), 4)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, restored)
}

func TestRestoreCorruptChecksumErrors(t *testing.T) {
	tr := New(4)
	tr.Insert(1, "a")
	path := filepath.Join(t.TempDir(), "corrupt.btree")
	require.NoError(t, tr.Persist(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, _, err = Restore(path, 4)
	require.Error(t, err)
}

func TestClear(t *testing.T) {
	tr := New(4)
	tr.Insert(1, "a")
	tr.Insert(2, "b")
	tr.Clear()
	require.Equal(t, 0, tr.GetStats().Size)
	require.Empty(t, tr.QueryRange(0, 100))
}
