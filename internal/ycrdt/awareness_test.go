package ycrdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLocalStateFiresLocalOrigin(t *testing.T) {
	a := NewAwareness(NewDoc())

	var gotChanges AwarenessChanges
	var gotOrigin string
	a.Observe(func(changes AwarenessChanges, origin string) {
		gotChanges = changes
		gotOrigin = origin
	})

	require.NoError(t, a.SetLocalState(map[string]string{"user": "alice"}))
	assert.Equal(t, OriginLocal, gotOrigin)
	assert.Equal(t, []uint64{a.ClientID()}, gotChanges.Added)
	assert.JSONEq(t, `{"user":"alice"}`, string(gotChanges.States[a.ClientID()]))
}

func TestAwarenessEncodeApplyRoundTrip(t *testing.T) {
	a := NewAwareness(NewDoc())
	require.NoError(t, a.SetLocalState(map[string]int{"cursor": 7}))

	b := NewAwareness(NewDoc())
	changes, err := b.ApplyUpdate(a.EncodeUpdate([]uint64{a.ClientID()}), "remote-peer")
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.ClientID()}, changes.Added)
	assert.JSONEq(t, `{"cursor":7}`, string(b.States()[a.ClientID()]))
}

func TestAwarenessStaleClockIgnored(t *testing.T) {
	a := NewAwareness(NewDoc())
	require.NoError(t, a.SetLocalState(map[string]int{"v": 1}))
	first := a.EncodeUpdate([]uint64{a.ClientID()})
	require.NoError(t, a.SetLocalState(map[string]int{"v": 2}))
	second := a.EncodeUpdate([]uint64{a.ClientID()})

	b := NewAwareness(NewDoc())
	_, err := b.ApplyUpdate(second, "remote")
	require.NoError(t, err)
	changes, err := b.ApplyUpdate(first, "remote")
	require.NoError(t, err)
	assert.Empty(t, changes.Added)
	assert.Empty(t, changes.Updated)
	assert.JSONEq(t, `{"v":2}`, string(b.States()[a.ClientID()]))
}

func TestAwarenessRemoval(t *testing.T) {
	a := NewAwareness(NewDoc())
	require.NoError(t, a.SetLocalState(map[string]bool{"here": true}))

	b := NewAwareness(NewDoc())
	_, err := b.ApplyUpdate(a.EncodeUpdate([]uint64{a.ClientID()}), "remote")
	require.NoError(t, err)
	require.Contains(t, b.States(), a.ClientID())

	require.NoError(t, a.SetLocalState(nil))
	changes, err := b.ApplyUpdate(a.EncodeUpdate([]uint64{a.ClientID()}), "remote")
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.ClientID()}, changes.Removed)
	assert.NotContains(t, b.States(), a.ClientID())
}

func TestAwarenessStatesSnapshot(t *testing.T) {
	a := NewAwareness(NewDoc())
	require.NoError(t, a.SetLocalState(map[string]string{"k": "v"}))

	states := a.States()
	states[a.ClientID()] = json.RawMessage(`"mutated"`)
	assert.JSONEq(t, `{"k":"v"}`, string(a.States()[a.ClientID()]))
}
