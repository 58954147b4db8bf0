// Package provider connects a local document to a remote relay room: the
// symmetric peer of the room's serve loop, used when this process acts as a
// client to another server.
package provider

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yrooms/relay/internal/logger"
	"github.com/yrooms/relay/internal/transport"
	"github.com/yrooms/relay/internal/ycrdt"
	"github.com/yrooms/relay/internal/ysync"
)

var (
	// ErrNotRunning is returned by Stop on a provider that never started.
	ErrNotRunning = errors.New("provider not running")

	// ErrAlreadyRunning is returned by Start on a running provider.
	ErrAlreadyRunning = errors.New("provider already running")
)

// outboundCapacity bounds the channel carrying locally observed updates.
const outboundCapacity = 65536

// State is a provider's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

// Provider synchronizes a local document with a remote room over a
// transport.
type Provider struct {
	doc       *ycrdt.Doc
	awareness *ycrdt.Awareness
	transport transport.Transport

	mu       sync.Mutex
	state    State
	outbound chan []byte
	sub      ycrdt.Subscription
	cancel   context.CancelFunc

	startedOnce sync.Once
	started     chan struct{}
	done        chan struct{}
}

// New creates a provider for doc over t. awareness may be nil; inbound
// awareness frames are then ignored.
func New(doc *ycrdt.Doc, awareness *ycrdt.Awareness, t transport.Transport) *Provider {
	return &Provider{
		doc:       doc,
		awareness: awareness,
		transport: t,
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Started is closed once the provider's tasks are up.
func (p *Provider) Started() <-chan struct{} {
	return p.started
}

// State returns the provider's lifecycle state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start subscribes to the local document, sends the sync handshake and
// spawns the sender and receiver tasks. It returns once the tasks are up.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.state = StateStarting
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.outbound = make(chan []byte, outboundCapacity)
	outbound := p.outbound
	p.sub = p.doc.Observe(func(update []byte) {
		select {
		case outbound <- update:
		default:
			logger.Warn("provider outbound channel full, dropping update for %s", p.transport.Path())
		}
	})
	p.mu.Unlock()

	go p.run(runCtx)
	select {
	case <-p.started:
		return nil
	case <-runCtx.Done():
		return runCtx.Err()
	}
}

func (p *Provider) run(ctx context.Context) {
	defer close(p.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.receive(gctx) })
	g.Go(func() error { return p.send(gctx) })

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()
	p.startedOnce.Do(func() { close(p.started) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("provider for %s: %v", p.transport.Path(), err)
	}
	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
}

// receive drives the handshake and applies inbound sync messages.
func (p *Provider) receive(ctx context.Context) error {
	if err := p.transport.Send(ctx, ysync.CreateSyncStep1(p.doc.GetState())); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	}
	for {
		message, err := p.transport.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if len(message) == 0 {
			continue
		}
		switch message[0] {
		case ysync.MessageSync:
			reply, err := ysync.HandleSync(message[1:], p.doc)
			if err != nil {
				logger.Warn("dropping malformed sync frame from %s: %v", p.transport.Path(), err)
				continue
			}
			if reply != nil {
				if err := p.transport.Send(ctx, reply); err != nil && !errors.Is(err, transport.ErrClosed) {
					logger.Error("provider reply to %s: %v", p.transport.Path(), err)
				}
			}
		case ysync.MessageAwareness:
			if p.awareness == nil {
				continue
			}
			payload, _, err := ysync.ReadVarUintPrefixed(message[1:])
			if err != nil {
				logger.Warn("dropping malformed awareness frame from %s: %v", p.transport.Path(), err)
				continue
			}
			if _, err := p.awareness.ApplyUpdate(payload, p.transport.Path()); err != nil {
				logger.Warn("dropping malformed awareness update from %s: %v", p.transport.Path(), err)
			}
		}
	}
}

// send drains the outbound channel into the transport. Send errors only
// affect this peer, so they are logged and dropped.
func (p *Provider) send(ctx context.Context) error {
	p.mu.Lock()
	outbound := p.outbound
	p.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-outbound:
			if err := p.transport.Send(ctx, ysync.CreateUpdate(update)); err != nil {
				logger.Warn("provider send to %s failed: %v", p.transport.Path(), err)
			}
		}
	}
}

// Stop cancels the provider's tasks and detaches the document observer.
func (p *Provider) Stop() error {
	p.mu.Lock()
	if p.state == StateCreated {
		p.mu.Unlock()
		return ErrNotRunning
	}
	if p.state == StateStopped {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	// a blocked transport read only returns once the connection closes
	p.transport.Close()
	<-p.done
	p.mu.Lock()
	p.doc.Unobserve(p.sub)
	p.state = StateStopped
	p.mu.Unlock()
	return nil
}
