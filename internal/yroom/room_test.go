package yroom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrooms/relay/internal/transport"
	"github.com/yrooms/relay/internal/ycrdt"
	"github.com/yrooms/relay/internal/ysync"
	"github.com/yrooms/relay/internal/ystore"
)

func startRoom(t *testing.T, opts Options) *Room {
	t.Helper()
	room := NewRoom("/test", opts)
	require.NoError(t, room.Start(context.Background()))
	t.Cleanup(func() { room.Stop() })
	return room
}

// connect serves one end of a pipe on the room and returns the client end.
func connect(t *testing.T, room *Room) transport.Transport {
	t.Helper()
	serverEnd, clientEnd := transport.Pipe(room.Name)
	go room.Serve(context.Background(), serverEnd)
	t.Cleanup(func() { clientEnd.Close() })
	return clientEnd
}

func recvFrame(t *testing.T, tr transport.Transport) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := tr.Recv(ctx)
	require.NoError(t, err)
	return frame
}

func TestServeSendsSyncStep1(t *testing.T) {
	room := startRoom(t, Options{Ready: true})
	_, err := room.Doc.Commit([]byte("existing"))
	require.NoError(t, err)
	// let the fan-out drain before the first client connects
	time.Sleep(50 * time.Millisecond)

	client := connect(t, room)
	frame := recvFrame(t, client)
	require.Equal(t, ysync.MessageSync, frame[0])
	require.Equal(t, ysync.MessageSyncStep1, frame[1])
	sv, _, err := ysync.ReadVarUintPrefixed(frame[2:])
	require.NoError(t, err)
	assert.Equal(t, room.Doc.GetState(), sv)
}

func TestServeHandshakeSyncsClient(t *testing.T) {
	room := startRoom(t, Options{Ready: true})
	_, err := room.Doc.Commit([]byte("server-side"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	clientDoc := ycrdt.NewDoc()
	client := connect(t, room)

	// step 1 from the server: answer with our state vector
	recvFrame(t, client)
	ctx := context.Background()
	require.NoError(t, client.Send(ctx, ysync.CreateSyncStep1(clientDoc.GetState())))

	// the server replies with the differential update
	reply := recvFrame(t, client)
	require.Equal(t, ysync.MessageSync, reply[0])
	require.Equal(t, ysync.MessageSyncStep2, reply[1])
	update, _, err := ysync.ReadVarUintPrefixed(reply[2:])
	require.NoError(t, err)
	require.NoError(t, clientDoc.ApplyUpdate(update))

	want, err := room.Doc.GetUpdate(nil)
	require.NoError(t, err)
	got, err := clientDoc.GetUpdate(nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUpdateFanOut(t *testing.T) {
	room := startRoom(t, Options{Ready: true})

	alice := connect(t, room)
	bob := connect(t, room)
	recvFrame(t, alice)
	recvFrame(t, bob)

	update := ycrdt.EncodeUpdate([][]byte{[]byte("from-alice")})
	require.NoError(t, alice.Send(context.Background(), ysync.CreateUpdate(update)))

	// both clients receive the relayed update through the central fan-out
	for _, client := range []transport.Transport{alice, bob} {
		frame := recvFrame(t, client)
		require.Equal(t, ysync.MessageSync, frame[0])
		require.Equal(t, ysync.MessageSyncUpdate, frame[1])
		payload, _, err := ysync.ReadVarUintPrefixed(frame[2:])
		require.NoError(t, err)
		assert.Equal(t, update, payload)
	}
	assert.Equal(t, 1, room.Doc.EntryCount())
}

func TestAwarenessEchoIncludesSender(t *testing.T) {
	room := startRoom(t, Options{Ready: true})

	clients := []transport.Transport{connect(t, room), connect(t, room), connect(t, room)}
	for _, c := range clients {
		recvFrame(t, c)
	}

	peer := ycrdt.NewAwareness(ycrdt.NewDoc())
	require.NoError(t, peer.SetLocalState(map[string]string{"user": "carol"}))
	frame := ysync.CreateAwareness(peer.EncodeUpdate([]uint64{peer.ClientID()}))

	require.NoError(t, clients[0].Send(context.Background(), frame))

	// every client receives the exact frame, the sender included
	for _, c := range clients {
		assert.Equal(t, frame, recvFrame(t, c))
	}
	require.Eventually(t, func() bool {
		_, ok := room.Awareness.States()[peer.ClientID()]
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestMalformedFrameDoesNotPoisonRoom(t *testing.T) {
	room := startRoom(t, Options{Ready: true})

	client := connect(t, room)
	recvFrame(t, client)

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, []byte{ysync.MessageSync, ysync.MessageSyncUpdate, 0xff}))
	require.NoError(t, client.Send(ctx, []byte{42}))

	// the room keeps serving after dropping the bad frames
	update := ycrdt.EncodeUpdate([][]byte{[]byte("good")})
	require.NoError(t, client.Send(ctx, ysync.CreateUpdate(update)))
	frame := recvFrame(t, client)
	assert.Equal(t, ysync.CreateUpdate(update), frame)
}

func TestOnMessageFilterDropsFrames(t *testing.T) {
	room := startRoom(t, Options{Ready: true})
	room.SetOnMessage(MessageFilter{Sync: func(message []byte) bool {
		return len(message) > 0 && message[0] == ysync.MessageAwareness
	}})

	client := connect(t, room)
	recvFrame(t, client)

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, ysync.CreateAwareness([]byte{0})))

	// the awareness frame was filtered; a sync update still flows
	update := ycrdt.EncodeUpdate([][]byte{[]byte("kept")})
	require.NoError(t, client.Send(ctx, ysync.CreateUpdate(update)))
	assert.Equal(t, ysync.CreateUpdate(update), recvFrame(t, client))
}

func TestReadyDefersHandshake(t *testing.T) {
	room := startRoom(t, Options{Ready: false})
	client := connect(t, room)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err := client.Recv(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	room.MarkReady()
	frame := recvFrame(t, client)
	assert.Equal(t, ysync.MessageSync, frame[0])
	assert.Equal(t, ysync.MessageSyncStep1, frame[1])
}

func TestStoreReceivesUpdates(t *testing.T) {
	store, err := ystore.NewTempFileStore("yroom_test_", "doc.y", ystore.MetadataCallback{})
	require.NoError(t, err)
	room := startRoom(t, Options{Ready: true, Store: store})

	client := connect(t, room)
	recvFrame(t, client)

	update := ycrdt.EncodeUpdate([][]byte{[]byte("durable")})
	require.NoError(t, client.Send(context.Background(), ysync.CreateUpdate(update)))
	recvFrame(t, client)

	require.Eventually(t, func() bool {
		var records []ystore.Record
		err := store.Read(context.Background(), func(r ystore.Record) error {
			records = append(records, r)
			return nil
		})
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopReleasesStore(t *testing.T) {
	store, err := ystore.NewTempFileStore("yroom_test_", "doc.y", ystore.MetadataCallback{})
	require.NoError(t, err)
	room := NewRoom("/test", Options{Ready: true, Store: store})
	require.NoError(t, room.Start(context.Background()))

	select {
	case <-store.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("store did not start")
	}
	require.NoError(t, room.Stop())

	// the room's shutdown stopped the store and released its handles
	assert.ErrorIs(t, store.Write(context.Background(), []byte("x")), ystore.ErrNotStarted)
}

func TestStopDrainsBufferedUpdatesToStore(t *testing.T) {
	store, err := ystore.NewTempFileStore("yroom_test_", "doc.y", ystore.MetadataCallback{})
	require.NoError(t, err)
	room := NewRoom("/test", Options{Ready: true, Store: store})
	require.NoError(t, room.Start(context.Background()))

	select {
	case <-store.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("store did not start")
	}

	const writes = 5
	for i := 0; i < writes; i++ {
		_, err := room.Doc.Commit([]byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, room.Stop())

	// every observed update is durable after a clean shutdown, whether the
	// fan-out wrote it or the drain did
	require.NoError(t, store.Start(context.Background()))
	defer store.Stop()
	var records []ystore.Record
	require.NoError(t, store.Read(context.Background(), func(r ystore.Record) error {
		records = append(records, r)
		return nil
	}))
	assert.Len(t, records, writes)
}

func TestStopLifecycle(t *testing.T) {
	room := NewRoom("/test", Options{Ready: true})
	assert.ErrorIs(t, room.Stop(), ErrNotRunning)

	require.NoError(t, room.Start(context.Background()))
	assert.Equal(t, StateRunning, room.State())
	assert.ErrorIs(t, room.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, room.Stop())
	assert.Equal(t, StateStopped, room.State())
	// idempotent after stopped
	require.NoError(t, room.Stop())
}

func TestAutoRestart(t *testing.T) {
	room := startRoom(t, Options{
		Ready:            true,
		AutoRestart:      true,
		ExceptionHandler: func(err error) bool { return true },
	})

	room.mu.Lock()
	gen := room.scopeGen
	room.mu.Unlock()

	room.fail(errors.New("injected failure"))

	// a fresh task scope comes up shortly after the handled failure
	require.Eventually(t, func() bool {
		room.mu.Lock()
		defer room.mu.Unlock()
		return room.scopeGen > gen && room.state == StateRunning
	}, time.Second, 5*time.Millisecond)

	// the room keeps operating: a client update still fans out
	client := connect(t, room)
	recvFrame(t, client)
	update := ycrdt.EncodeUpdate([][]byte{[]byte("after-restart")})
	require.NoError(t, client.Send(context.Background(), ysync.CreateUpdate(update)))
	assert.Equal(t, ysync.CreateUpdate(update), recvFrame(t, client))
}

func TestUnhandledErrorTerminates(t *testing.T) {
	room := startRoom(t, Options{Ready: true})
	room.fail(errors.New("fatal"))

	require.Eventually(t, func() bool {
		select {
		case <-room.done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestClientRemovedOnDisconnect(t *testing.T) {
	room := startRoom(t, Options{Ready: true})

	serverEnd, clientEnd := transport.Pipe(room.Name)
	served := make(chan struct{})
	go func() {
		room.Serve(context.Background(), serverEnd)
		close(served)
	}()
	recvFrame(t, clientEnd)
	require.Equal(t, 1, room.ClientCount())

	clientEnd.Close()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after disconnect")
	}
	assert.Equal(t, 0, room.ClientCount())
}
