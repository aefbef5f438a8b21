package storage

import (
	"bytes"
	"sort"
	"strings"
)

// Journal buffers writes on top of a Database. Reads observe the buffered
// writes first; nothing reaches the underlying store until Commit, which
// applies every buffered write in one batch. Dropping the journal discards
// the writes.
type Journal struct {
	base    Database
	pending map[string][]byte
	deleted map[string]struct{}
}

// NewJournal opens a write journal over base.
func NewJournal(base Database) *Journal {
	return &Journal{
		base:    base,
		pending: make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
}

func (j *Journal) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, gone := j.deleted[k]; gone {
		return nil, ErrNotFound
	}
	if value, ok := j.pending[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return j.base.Get(key)
}

func (j *Journal) Put(key []byte, value []byte) error {
	k := string(key)
	delete(j.deleted, k)
	j.pending[k] = append([]byte(nil), value...)
	return nil
}

func (j *Journal) Delete(key []byte) error {
	k := string(key)
	delete(j.pending, k)
	j.deleted[k] = struct{}{}
	return nil
}

// Iterate merges buffered writes with the committed keys under prefix.
func (j *Journal) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	merged := make(map[string][]byte)
	err := j.base.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = append([]byte(nil), value...)
		return true
	})
	if err != nil {
		return err
	}
	for k := range j.deleted {
		delete(merged, k)
	}
	for k, v := range j.pending {
		if strings.HasPrefix(k, string(prefix)) {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), merged[k]) {
			return nil
		}
	}
	return nil
}

// Dirty reports whether any write has been buffered.
func (j *Journal) Dirty() bool {
	return len(j.pending) > 0 || len(j.deleted) > 0
}

// Commit flushes the buffered writes to the base store atomically and resets
// the journal.
func (j *Journal) Commit() error {
	if !j.Dirty() {
		return nil
	}
	batch := j.base.NewBatch()
	keys := make([]string, 0, len(j.pending))
	for k := range j.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		batch.Put([]byte(k), j.pending[k])
	}
	for k := range j.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	j.pending = make(map[string][]byte)
	j.deleted = make(map[string]struct{})
	return nil
}

// Discard drops every buffered write.
func (j *Journal) Discard() {
	j.pending = make(map[string][]byte)
	j.deleted = make(map[string]struct{})
}

// PrefixKey joins key segments with a ':' separator, the layout every state
// record uses.
func PrefixKey(parts ...[]byte) []byte {
	return bytes.Join(parts, []byte(":"))
}
