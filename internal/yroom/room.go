// Package yroom implements the per-document room runtime and the registry
// multiplexing connections over rooms. A room owns one CRDT document, the
// set of connected clients, a bounded update fan-out channel and an
// optional update store binding.
package yroom

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yrooms/relay/internal/logger"
	"github.com/yrooms/relay/internal/metrics"
	"github.com/yrooms/relay/internal/transport"
	"github.com/yrooms/relay/internal/ycrdt"
	"github.com/yrooms/relay/internal/ysync"
	"github.com/yrooms/relay/internal/ystore"
)

var (
	// ErrNotRunning is returned when an operation needs a running room.
	ErrNotRunning = errors.New("room not running")

	// ErrAlreadyRunning is returned by Start on a running room.
	ErrAlreadyRunning = errors.New("room already running")

	// ErrChannelOverflow is fatal to the room: the update channel was full
	// and accepting the loss would silently desynchronize replicas.
	ErrChannelOverflow = errors.New("update channel overflow")
)

// updateChannelCapacity bounds the fan-out channel.
const updateChannelCapacity = 65536

// State is a room's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

// ExceptionHandler decides whether an error from a room task is handled.
// Returning false propagates the error and terminates the room's scope.
type ExceptionHandler func(err error) bool

// MessageFilter is an optional inbound-frame filter. Exactly one of Sync or
// Async may be set; a true result drops the frame.
type MessageFilter struct {
	Sync  func(message []byte) bool
	Async func(ctx context.Context, message []byte) (bool, error)
}

func (f MessageFilter) dispatch(ctx context.Context, message []byte) (bool, error) {
	switch {
	case f.Async != nil:
		return f.Async(ctx, message)
	case f.Sync != nil:
		return f.Sync(message), nil
	default:
		return false, nil
	}
}

// Options configures a Room.
type Options struct {
	// Ready marks the document ready for synchronization immediately. When
	// false, the sync handshake is deferred until MarkReady is called, so
	// an external loader can populate the document first.
	Ready bool
	// Store is an optional update store; every update observed on the
	// document is appended to it.
	Store ystore.Store
	// ExceptionHandler receives task errors. The default re-raises.
	ExceptionHandler ExceptionHandler
	// AutoRestart re-enters the starting state after an error the handler
	// reported as handled.
	AutoRestart bool
}

// Room is a per-document actor. Use NewRoom, then Start, then Serve once
// per client connection.
type Room struct {
	Name      string
	Doc       *ycrdt.Doc
	Awareness *ycrdt.Awareness

	store       ystore.Store
	handler     ExceptionHandler
	autoRestart bool

	mu        sync.Mutex
	state     State
	clients   map[transport.Transport]struct{}
	updates   chan []byte
	fatal     chan error
	onMessage MessageFilter
	sub       ycrdt.Subscription
	subActive bool
	scopeGen  uint64
	cancel    context.CancelFunc

	readyOnce sync.Once
	ready     chan struct{}

	startedOnce sync.Once
	started     chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewRoom creates a room named name with a fresh document and awareness.
func NewRoom(name string, opts Options) *Room {
	doc := ycrdt.NewDoc()
	r := &Room{
		Name:        name,
		Doc:         doc,
		Awareness:   ycrdt.NewAwareness(doc),
		store:       opts.Store,
		handler:     opts.ExceptionHandler,
		autoRestart: opts.AutoRestart,
		clients:     make(map[transport.Transport]struct{}),
		ready:       make(chan struct{}),
		started:     make(chan struct{}),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	if opts.Ready {
		r.MarkReady()
	}
	r.Awareness.Observe(r.onAwarenessChange)
	return r
}

// MarkReady marks the document ready for synchronization. Idempotent.
func (r *Room) MarkReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Ready reports whether the document is ready for synchronization.
func (r *Room) Ready() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// State returns the room's lifecycle state.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Started is closed once the room's tasks are up.
func (r *Room) Started() <-chan struct{} {
	return r.started
}

// SetOnMessage installs an inbound-frame filter.
func (r *Room) SetOnMessage(filter MessageFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = filter
}

// ClientCount returns the number of connected clients.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Start transitions the room to running and spawns its background tasks: a
// ready waiter that attaches the document observer, the fan-out task and a
// shutdown waiter. It returns once the tasks are up.
func (r *Room) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.state = StateStarting
	r.mu.Unlock()

	go r.supervise(ctx)
	select {
	case <-r.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// storeWriteTimeout bounds one store write during fan-out and drain.
const storeWriteTimeout = 10 * time.Second

// supervise runs the room's task scope, restarting it after handled errors
// when auto-restart is enabled.
func (r *Room) supervise(ctx context.Context) {
	defer close(r.done)
	defer r.shutdownStore()
	for {
		err := r.runScope(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		handled := r.handleError(err)
		if handled && r.autoRestart && !r.stopRequested() {
			logger.Warn("room %s restarting after error: %v", r.Name, err)
			r.mu.Lock()
			r.state = StateStarting
			r.mu.Unlock()
			continue
		}
		if !handled {
			logger.Error("room %s terminated: %v", r.Name, err)
		}
		return
	}
}

// runScope runs one incarnation of the room's task group until it is
// cancelled or a task fails.
func (r *Room) runScope(ctx context.Context) error {
	scopeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cancel = cancel
	r.updates = make(chan []byte, updateChannelCapacity)
	r.fatal = make(chan error, 1)
	r.scopeGen++
	updates := r.updates
	fatal := r.fatal
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(scopeCtx)
	if r.Ready() {
		// attach before the scope is reported up, so no update is missed
		r.attachObserver()
	} else {
		g.Go(func() error { return r.watchReady(gctx) })
	}
	g.Go(func() error { return r.broadcastUpdates(gctx, updates) })
	g.Go(func() error {
		select {
		case err := <-fatal:
			return err
		case <-r.stopped:
			cancel()
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()
	r.startedOnce.Do(func() { close(r.started) })

	err := g.Wait()
	r.detachObserver()
	if r.stopRequested() {
		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()
	}
	return err
}

// watchReady waits for the ready gate, then attaches the document observer
// that feeds the fan-out channel.
func (r *Room) watchReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-r.ready:
	}
	r.attachObserver()
	return nil
}

func (r *Room) attachObserver() {
	sub := r.Doc.Observe(func(update []byte) {
		r.enqueueUpdate(update)
	})
	r.mu.Lock()
	r.sub = sub
	r.subActive = true
	r.mu.Unlock()
}

// enqueueUpdate hands an observed document update to the fan-out channel.
// The send never blocks: a full channel is a fatal room error, because
// dropping the update would silently desynchronize history.
func (r *Room) enqueueUpdate(update []byte) {
	r.mu.Lock()
	updates := r.updates
	r.mu.Unlock()
	if updates == nil {
		return
	}
	select {
	case updates <- update:
	default:
		r.fail(ErrChannelOverflow)
	}
}

// fail reports a fatal error to the current scope.
func (r *Room) fail(err error) {
	r.mu.Lock()
	fatal := r.fatal
	r.mu.Unlock()
	if fatal == nil {
		return
	}
	select {
	case fatal <- err:
	default:
	}
}

// detachObserver removes the document observer if attached.
func (r *Room) detachObserver() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subActive {
		r.Doc.Unobserve(r.sub)
		r.subActive = false
	}
}

// broadcastUpdates is the single consumer of the update channel. Each update
// is framed once and handed to every client's send concurrently; the store
// write is submitted concurrently with the broadcasts.
func (r *Room) broadcastUpdates(ctx context.Context, updates <-chan []byte) error {
	if r.store != nil {
		go func() {
			if err := r.store.Start(ctx); err != nil && !errors.Is(err, ystore.ErrAlreadyStarted) {
				logger.Error("room %s store start: %v", r.Name, err)
				if !r.handleError(err) {
					r.fail(err)
				}
			}
		}()
		select {
		case <-ctx.Done():
			return nil
		case <-r.store.Started():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-updates:
			msg := ysync.CreateUpdate(update)
			var wg sync.WaitGroup
			for _, client := range r.clientList() {
				client := client
				wg.Add(1)
				go func() {
					defer wg.Done()
					logger.Debug("sending update to client with endpoint: %s", client.Path())
					if err := client.Send(ctx, msg); err != nil {
						if errors.Is(err, transport.ErrClosed) {
							r.removeClient(client)
							return
						}
						logger.Error("error sending update to client with endpoint %s: %v", client.Path(), err)
					}
				}()
			}
			if r.store != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					// not the scope context: an update handed to the store
					// must not be lost to a concurrent cancellation
					writeCtx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
					defer cancel()
					if err := r.store.Write(writeCtx, update); err != nil {
						metrics.StoreWriteFailures.Inc()
						logger.Error("room %s store write: %v", r.Name, err)
						if !r.handleError(err) {
							r.fail(err)
						}
						return
					}
					metrics.StoreWrites.Inc()
				}()
			}
			wg.Wait()
			metrics.UpdatesBroadcast.Inc()
		}
	}
}

// shutdownStore writes any updates still buffered in the fan-out channel,
// then releases the store's connections and file handles. Runs once, when
// the room's supervisor exits for good.
func (r *Room) shutdownStore() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	updates := r.updates
	r.mu.Unlock()

	if updates != nil {
	drain:
		for {
			select {
			case update := <-updates:
				writeCtx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
				if err := r.store.Write(writeCtx, update); err != nil {
					metrics.StoreWriteFailures.Inc()
					logger.Error("room %s store write during shutdown: %v", r.Name, err)
				} else {
					metrics.StoreWrites.Inc()
				}
				cancel()
			default:
				break drain
			}
		}
	}

	if err := r.store.Stop(); err != nil && !errors.Is(err, ystore.ErrNotStarted) {
		logger.Error("room %s store stop: %v", r.Name, err)
	}
}

// onAwarenessChange broadcasts locally originated awareness changes to
// every client. Remote awareness frames are relayed in Serve directly and
// never pass through here, which avoids echo amplification.
func (r *Room) onAwarenessChange(changes ycrdt.AwarenessChanges, origin string) {
	if origin != ycrdt.OriginLocal {
		return
	}
	ids := make([]uint64, 0, len(changes.Added)+len(changes.Updated)+len(changes.Removed))
	ids = append(ids, changes.Added...)
	ids = append(ids, changes.Updated...)
	ids = append(ids, changes.Removed...)
	frame := ysync.CreateAwareness(r.Awareness.EncodeUpdate(ids))
	for _, client := range r.clientList() {
		client := client
		go func() {
			if err := client.Send(context.Background(), frame); err != nil && !errors.Is(err, transport.ErrClosed) {
				logger.Error("error sending awareness to client with endpoint %s: %v", client.Path(), err)
			}
		}()
	}
}

// Stop signals shutdown, cancels the scope enclosing the room's tasks and
// detaches the document observer. Idempotent after Stopped; it is an error
// to stop a room that was never started.
func (r *Room) Stop() error {
	r.mu.Lock()
	if r.state == StateCreated {
		r.mu.Unlock()
		return ErrNotRunning
	}
	if r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopping
	cancel := r.cancel
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopped) })
	if cancel != nil {
		cancel()
	}
	<-r.done
	r.detachObserver()
	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	return nil
}

func (r *Room) stopRequested() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

func (r *Room) handleError(err error) bool {
	if r.handler == nil {
		return false
	}
	return r.handler(err)
}

func (r *Room) addClient(t transport.Transport) {
	r.mu.Lock()
	r.clients[t] = struct{}{}
	count := len(r.clients)
	r.mu.Unlock()
	metrics.ConnectedClients.Inc()
	logger.Debug("client %s joined room %s (total: %d)", t.Path(), r.Name, count)
}

func (r *Room) removeClient(t transport.Transport) {
	r.mu.Lock()
	_, present := r.clients[t]
	delete(r.clients, t)
	count := len(r.clients)
	r.mu.Unlock()
	if present {
		metrics.ConnectedClients.Dec()
		logger.Debug("client %s left room %s (total: %d)", t.Path(), r.Name, count)
	}
}

// clientList snapshots the client set so iteration tolerates concurrent
// joins and leaves.
func (r *Room) clientList() []transport.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients := make([]transport.Transport, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// Serve drives one client connection: it sends the sync handshake, then
// relays inbound frames until the transport closes. It returns once the
// client disconnected.
func (r *Room) Serve(ctx context.Context, t transport.Transport) error {
	r.addClient(t)
	defer r.removeClient(t)

	// defer the handshake until the document is ready
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ready:
	}

	if err := t.Send(ctx, ysync.CreateSyncStep1(r.Doc.GetState())); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	}

	for {
		message, err := t.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Error("error serving endpoint %s: %v", t.Path(), err)
			if !r.handleError(err) {
				return err
			}
			return nil
		}
		if err := r.handleMessage(ctx, t, message); err != nil {
			return err
		}
	}
}

// handleMessage processes one inbound frame from t.
func (r *Room) handleMessage(ctx context.Context, t transport.Transport, message []byte) error {
	r.mu.Lock()
	filter := r.onMessage
	r.mu.Unlock()
	skip, err := filter.dispatch(ctx, message)
	if err != nil {
		logger.Error("on-message filter for endpoint %s: %v", t.Path(), err)
		if !r.handleError(err) {
			return err
		}
		return nil
	}
	if skip {
		return nil
	}
	if len(message) == 0 {
		metrics.MalformedFrames.Inc()
		logger.Warn("dropping empty frame from endpoint %s", t.Path())
		return nil
	}

	switch message[0] {
	case ysync.MessageSync:
		metrics.FramesReceived.WithLabelValues("sync").Inc()
		reply, err := ysync.HandleSync(message[1:], r.Doc)
		if err != nil {
			// a malformed update must not poison the room
			metrics.MalformedFrames.Inc()
			logger.Warn("dropping malformed sync frame from endpoint %s: %v", t.Path(), err)
			return nil
		}
		if reply != nil {
			if err := t.Send(ctx, reply); err != nil && !errors.Is(err, transport.ErrClosed) {
				logger.Error("error replying to endpoint %s: %v", t.Path(), err)
			}
		}
	case ysync.MessageAwareness:
		metrics.FramesReceived.WithLabelValues("awareness").Inc()
		// forward to all clients, including the sender: clients treat the
		// echo as a keepalive
		for _, client := range r.clientList() {
			client := client
			go func() {
				logger.Debug("sending awareness from endpoint %s to endpoint %s", t.Path(), client.Path())
				if err := client.Send(ctx, message); err != nil && !errors.Is(err, transport.ErrClosed) {
					logger.Error("error sending awareness to endpoint %s: %v", client.Path(), err)
				}
			}()
		}
		payload, _, err := ysync.ReadVarUintPrefixed(message[1:])
		if err != nil {
			metrics.MalformedFrames.Inc()
			logger.Warn("dropping malformed awareness frame from endpoint %s: %v", t.Path(), err)
			return nil
		}
		if _, err := r.Awareness.ApplyUpdate(payload, t.Path()); err != nil {
			metrics.MalformedFrames.Inc()
			logger.Warn("dropping malformed awareness update from endpoint %s: %v", t.Path(), err)
		}
	default:
		metrics.FramesReceived.WithLabelValues("unknown").Inc()
		logger.Warn("dropping frame with unknown message type %d from endpoint %s", message[0], t.Path())
	}
	return nil
}
