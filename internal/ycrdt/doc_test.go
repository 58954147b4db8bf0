package ycrdt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrooms/relay/internal/ysync"
)

func TestCommitAndEntryCount(t *testing.T) {
	doc := NewDoc()
	update, err := doc.Commit([]byte("entry-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, update)
	assert.Equal(t, 1, doc.EntryCount())

	// committing identical content is a no-op
	_, err = doc.Commit([]byte("entry-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, doc.EntryCount())
}

func TestConvergenceAnyOrder(t *testing.T) {
	var updates [][]byte
	source := NewDoc()
	for i := 0; i < 10; i++ {
		update, err := source.Commit([]byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
		updates = append(updates, update)
	}

	forward := NewDoc()
	for _, u := range updates {
		require.NoError(t, forward.ApplyUpdate(u))
	}
	backward := NewDoc()
	for i := len(updates) - 1; i >= 0; i-- {
		require.NoError(t, backward.ApplyUpdate(updates[i]))
		// idempotency: applying twice changes nothing
		require.NoError(t, backward.ApplyUpdate(updates[i]))
	}

	a, err := forward.GetUpdate(nil)
	require.NoError(t, err)
	b, err := backward.GetUpdate(nil)
	require.NoError(t, err)
	c, err := source.GetUpdate(nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestGetUpdateDifferential(t *testing.T) {
	doc := NewDoc()
	_, err := doc.Commit([]byte("shared"))
	require.NoError(t, err)

	replica := NewDoc()
	full, err := doc.GetUpdate(replica.GetState())
	require.NoError(t, err)
	require.NoError(t, replica.ApplyUpdate(full))

	_, err = doc.Commit([]byte("fresh"))
	require.NoError(t, err)

	diff, err := doc.GetUpdate(replica.GetState())
	require.NoError(t, err)
	entries, err := DecodeUpdate(diff)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("fresh"), entries[0])

	require.NoError(t, replica.ApplyUpdate(diff))
	want, err := doc.GetUpdate(nil)
	require.NoError(t, err)
	got, err := replica.GetUpdate(nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGetUpdateUpToDateReplica(t *testing.T) {
	doc := NewDoc()
	_, err := doc.Commit([]byte("only"))
	require.NoError(t, err)

	diff, err := doc.GetUpdate(doc.GetState())
	require.NoError(t, err)
	entries, err := DecodeUpdate(diff)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestObserveFiresWithNovelPortion(t *testing.T) {
	doc := NewDoc()
	_, err := doc.Commit([]byte("known"))
	require.NoError(t, err)

	var observed [][]byte
	sub := doc.Observe(func(update []byte) {
		observed = append(observed, update)
	})

	mixed := EncodeUpdate([][]byte{[]byte("known"), []byte("new")})
	require.NoError(t, doc.ApplyUpdate(mixed))
	require.Len(t, observed, 1)
	entries, err := DecodeUpdate(observed[0])
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("new"), entries[0])

	// a fully known update does not fire observers
	require.NoError(t, doc.ApplyUpdate(mixed))
	assert.Len(t, observed, 1)

	doc.Unobserve(sub)
	_, err = doc.Commit([]byte("after-unobserve"))
	require.NoError(t, err)
	assert.Len(t, observed, 1)
}

func TestGetUpdateHostileStateVectorCount(t *testing.T) {
	doc := NewDoc()
	_, err := doc.Commit([]byte("entry"))
	require.NoError(t, err)

	// a huge declared count must be rejected, not overflow the bounds check
	sv := ysync.WriteVarUint(nil, 1<<61)
	sv = append(sv, make([]byte, 16)...)
	_, err = doc.GetUpdate(sv)
	assert.ErrorIs(t, err, ysync.ErrMalformedFrame)

	// truncated digest list
	sv = ysync.WriteVarUint(nil, 2)
	sv = append(sv, make([]byte, 8)...)
	_, err = doc.GetUpdate(sv)
	assert.ErrorIs(t, err, ysync.ErrMalformedFrame)
}

func TestApplyUpdateMalformed(t *testing.T) {
	doc := NewDoc()
	err := doc.ApplyUpdate([]byte{0x05, 0x01})
	assert.Error(t, err)
	assert.Equal(t, 0, doc.EntryCount())
}
