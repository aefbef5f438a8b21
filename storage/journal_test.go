package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournalIsolatesUntilCommit(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("a:1"), []byte("one")))

	j := NewJournal(db)
	require.NoError(t, j.Put([]byte("a:2"), []byte("two")))
	require.NoError(t, j.Delete([]byte("a:1")))

	_, err := db.Get([]byte("a:2"))
	require.ErrorIs(t, err, ErrNotFound)
	got, err := db.Get([]byte("a:1"))
	require.NoError(t, err)
	require.Equal(t, "one", string(got))

	_, err = j.Get([]byte("a:1"))
	require.ErrorIs(t, err, ErrNotFound)

	var seen []string
	require.NoError(t, j.Iterate([]byte("a:"), func(key, value []byte) bool {
		seen = append(seen, string(key)+"="+string(value))
		return true
	}))
	require.Equal(t, []string{"a:2=two"}, seen)

	require.NoError(t, j.Commit())
	got, err = db.Get([]byte("a:2"))
	require.NoError(t, err)
	require.Equal(t, "two", string(got))
	_, err = db.Get([]byte("a:1"))
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, j.Dirty())
}

func TestJournalDiscard(t *testing.T) {
	db := NewMemDB()
	j := NewJournal(db)
	require.NoError(t, j.Put([]byte("k"), []byte("v")))
	j.Discard()
	require.NoError(t, j.Commit())
	_, err := db.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemDBIterateOrdered(t *testing.T) {
	db := NewMemDB()
	for _, k := range []string{"p:c", "p:a", "q:z", "p:b"} {
		require.NoError(t, db.Put([]byte(k), []byte(k)))
	}
	var keys []string
	require.NoError(t, db.Iterate([]byte("p:"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return len(keys) < 2
	}))
	require.Equal(t, []string{"p:a", "p:b"}, keys)
}
