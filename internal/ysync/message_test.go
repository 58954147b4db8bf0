package ysync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUintRoundTrip(t *testing.T) {
	for _, num := range []uint64{0, 1, 127, 128, 300, 16383, 16384, 1<<32 - 1, 1<<64 - 1} {
		buf := WriteVarUint(nil, num)
		got, rest, err := ReadVarUint(buf)
		require.NoError(t, err)
		assert.Equal(t, num, got)
		assert.Empty(t, rest)
	}
}

func TestVarUintTruncated(t *testing.T) {
	_, _, err := ReadVarUint(nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, _, err = ReadVarUint([]byte{0x80})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestVarUintOverflow(t *testing.T) {
	// eleven continuation bytes exceed the ten-byte limit
	data := make([]byte, 11)
	for i := range data {
		data[i] = 0x80
	}
	_, _, err := ReadVarUint(data)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestVarUintPrefixedRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	buf := WriteVarUintPrefixed(nil, payload)
	buf = append(buf, 0xaa, 0xbb)
	got, rest, err := ReadVarUintPrefixed(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, []byte{0xaa, 0xbb}, rest)
}

func TestVarUintPrefixedTruncatedPayload(t *testing.T) {
	buf := WriteVarUint(nil, 100)
	buf = append(buf, []byte("short")...)
	_, _, err := ReadVarUintPrefixed(buf)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestFrameRoundTrips(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}

	tests := []struct {
		name    string
		frame   []byte
		msgType byte
		subType byte
	}{
		{"sync step 1", CreateSyncStep1(payload), MessageSync, MessageSyncStep1},
		{"sync step 2", CreateSyncStep2(payload), MessageSync, MessageSyncStep2},
		{"update", CreateUpdate(payload), MessageSync, MessageSyncUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.msgType, tt.frame[0])
			require.Equal(t, tt.subType, tt.frame[1])
			got, rest, err := ReadVarUintPrefixed(tt.frame[2:])
			require.NoError(t, err)
			assert.Equal(t, payload, got)
			assert.Empty(t, rest)
		})
	}

	frame := CreateAwareness(payload)
	require.Equal(t, MessageAwareness, frame[0])
	got, rest, err := ReadVarUintPrefixed(frame[1:])
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Empty(t, rest)
}

type fakeDoc struct {
	applied [][]byte
	update  []byte
	state   []byte
}

func (d *fakeDoc) ApplyUpdate(update []byte) error {
	d.applied = append(d.applied, update)
	return nil
}

func (d *fakeDoc) GetUpdate(stateVector []byte) ([]byte, error) {
	d.state = stateVector
	return d.update, nil
}

func TestHandleSyncStep1RepliesStep2(t *testing.T) {
	doc := &fakeDoc{update: []byte("diff")}
	sv := []byte("state-vector")

	reply, err := HandleSync(CreateSyncStep1(sv)[1:], doc)
	require.NoError(t, err)
	assert.Equal(t, sv, doc.state)
	assert.Equal(t, CreateSyncStep2([]byte("diff")), reply)
}

func TestHandleSyncAppliesUpdates(t *testing.T) {
	doc := &fakeDoc{}

	reply, err := HandleSync(CreateSyncStep2([]byte("u1"))[1:], doc)
	require.NoError(t, err)
	assert.Nil(t, reply)

	reply, err = HandleSync(CreateUpdate([]byte("u2"))[1:], doc)
	require.NoError(t, err)
	assert.Nil(t, reply)

	assert.Equal(t, [][]byte{[]byte("u1"), []byte("u2")}, doc.applied)
}

func TestHandleSyncMalformed(t *testing.T) {
	doc := &fakeDoc{}

	_, err := HandleSync(nil, doc)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = HandleSync([]byte{MessageSyncUpdate, 0x05, 0x01}, doc)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = HandleSync([]byte{9, 0x00}, doc)
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.Empty(t, doc.applied)
}
