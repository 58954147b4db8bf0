package ycrdt

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/yrooms/relay/internal/ysync"
)

// Origin tags passed to awareness observers.
const (
	OriginLocal = "local"
)

var nullState = json.RawMessage("null")

// AwarenessChanges describes the effect of one awareness update.
type AwarenessChanges struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	States  map[uint64]json.RawMessage
}

// Awareness holds ephemeral per-client presence state for a document: a
// JSON-encoded state and a monotonic clock per client ID. It is not part of
// the replicated document.
type Awareness struct {
	doc *Doc

	mu       sync.Mutex
	clientID uint64
	states   map[uint64]json.RawMessage
	clocks   map[uint64]uint64
	subs     map[Subscription]func(changes AwarenessChanges, origin string)
	nextSub  Subscription
}

// NewAwareness creates the awareness channel bound to doc, with a fresh
// random client ID.
func NewAwareness(doc *Doc) *Awareness {
	id := uuid.New()
	return &Awareness{
		doc:      doc,
		clientID: binary.BigEndian.Uint64(id[:8]),
		states:   make(map[uint64]json.RawMessage),
		clocks:   make(map[uint64]uint64),
		subs:     make(map[Subscription]func(AwarenessChanges, string)),
	}
}

// ClientID returns the local client identifier.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// SetLocalState publishes the local client's presence state. A nil state
// removes the local client. Observers fire with origin "local".
func (a *Awareness) SetLocalState(state interface{}) error {
	raw := nullState
	if state != nil {
		encoded, err := json.Marshal(state)
		if err != nil {
			return err
		}
		raw = encoded
	}

	a.mu.Lock()
	clock := a.clocks[a.clientID] + 1
	a.mu.Unlock()

	update := encodeAwarenessEntries([]awarenessEntry{{a.clientID, clock, raw}})
	_, err := a.ApplyUpdate(update, OriginLocal)
	return err
}

// EncodeUpdate encodes the current state of the given client IDs. Unknown
// IDs are skipped.
func (a *Awareness) EncodeUpdate(clientIDs []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]awarenessEntry, 0, len(clientIDs))
	for _, id := range clientIDs {
		clock, ok := a.clocks[id]
		if !ok {
			continue
		}
		state, ok := a.states[id]
		if !ok {
			state = nullState
		}
		entries = append(entries, awarenessEntry{id, clock, state})
	}
	return encodeAwarenessEntries(entries)
}

// ApplyUpdate merges an awareness update, returning the resulting changes.
// Entries with a clock not newer than the known one are ignored. Observers
// fire with the given origin when anything changed.
func (a *Awareness) ApplyUpdate(update []byte, origin string) (AwarenessChanges, error) {
	entries, err := decodeAwarenessEntries(update)
	if err != nil {
		return AwarenessChanges{}, err
	}

	a.mu.Lock()
	changes := AwarenessChanges{States: make(map[uint64]json.RawMessage)}
	for _, e := range entries {
		known, seen := a.clocks[e.clientID]
		if seen && e.clock <= known {
			continue
		}
		a.clocks[e.clientID] = e.clock
		removed := string(e.state) == "null"
		_, hadState := a.states[e.clientID]
		switch {
		case removed && hadState:
			delete(a.states, e.clientID)
			changes.Removed = append(changes.Removed, e.clientID)
		case removed:
			// removal for a client we never saw a state for
		case hadState:
			a.states[e.clientID] = e.state
			changes.Updated = append(changes.Updated, e.clientID)
		default:
			a.states[e.clientID] = e.state
			changes.Added = append(changes.Added, e.clientID)
		}
	}
	for id, state := range a.states {
		changes.States[id] = state
	}
	var subs []func(AwarenessChanges, string)
	if len(changes.Added)+len(changes.Updated)+len(changes.Removed) > 0 {
		for _, fn := range a.subs {
			subs = append(subs, fn)
		}
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(changes, origin)
	}
	return changes, nil
}

// States returns a snapshot of all known client states.
func (a *Awareness) States() map[uint64]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]json.RawMessage, len(a.states))
	for id, state := range a.states {
		out[id] = state
	}
	return out
}

// Observe registers a callback invoked after every effective awareness
// update, with an origin tag distinguishing local from remote changes.
func (a *Awareness) Observe(fn func(changes AwarenessChanges, origin string)) Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextSub++
	sub := a.nextSub
	a.subs[sub] = fn
	return sub
}

// Unobserve removes a previously registered callback.
func (a *Awareness) Unobserve(sub Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs, sub)
}

type awarenessEntry struct {
	clientID uint64
	clock    uint64
	state    json.RawMessage
}

func encodeAwarenessEntries(entries []awarenessEntry) []byte {
	buf := ysync.WriteVarUint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = ysync.WriteVarUint(buf, e.clientID)
		buf = ysync.WriteVarUint(buf, e.clock)
		buf = ysync.WriteVarUintPrefixed(buf, e.state)
	}
	return buf
}

func decodeAwarenessEntries(update []byte) ([]awarenessEntry, error) {
	count, rest, err := ysync.ReadVarUint(update)
	if err != nil {
		return nil, err
	}
	// the count is peer-supplied, cap the preallocation
	entries := make([]awarenessEntry, 0, min(count, 4096))
	for i := uint64(0); i < count; i++ {
		var e awarenessEntry
		e.clientID, rest, err = ysync.ReadVarUint(rest)
		if err != nil {
			return nil, err
		}
		e.clock, rest, err = ysync.ReadVarUint(rest)
		if err != nil {
			return nil, err
		}
		var state []byte
		state, rest, err = ysync.ReadVarUintPrefixed(rest)
		if err != nil {
			return nil, err
		}
		e.state = json.RawMessage(state)
		entries = append(entries, e)
	}
	return entries, nil
}
