// Package ycrdt provides the CRDT document and awareness state backing a
// collaboration room. A document is a grow-only set of opaque entries;
// updates encode entry sets and merging is set union, which makes update
// application commutative, associative and idempotent. Replicas that have
// seen the same entries encode byte-identical full updates.
package ycrdt

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/yrooms/relay/internal/ysync"
)

// Subscription identifies a registered observer.
type Subscription int

// Doc is a replicated document. All methods are safe for concurrent use.
type Doc struct {
	mu      sync.RWMutex
	entries map[uint64][]byte
	subs    map[Subscription]func(update []byte)
	nextSub Subscription
}

// NewDoc creates an empty document.
func NewDoc() *Doc {
	return &Doc{
		entries: make(map[uint64][]byte),
		subs:    make(map[Subscription]func(update []byte)),
	}
}

func digest(entry []byte) uint64 {
	h := fnv.New64a()
	h.Write(entry)
	return h.Sum64()
}

// EncodeUpdate encodes a set of entries as a single update blob.
func EncodeUpdate(entries [][]byte) []byte {
	buf := ysync.WriteVarUint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = ysync.WriteVarUintPrefixed(buf, e)
	}
	return buf
}

// DecodeUpdate splits an update blob into its entries.
func DecodeUpdate(update []byte) ([][]byte, error) {
	count, rest, err := ysync.ReadVarUint(update)
	if err != nil {
		return nil, err
	}
	// the count is peer-supplied, cap the preallocation
	entries := make([][]byte, 0, min(count, 4096))
	for i := uint64(0); i < count; i++ {
		var entry []byte
		entry, rest, err = ysync.ReadVarUintPrefixed(rest)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ApplyUpdate merges an update into the document. Entries already present
// are ignored. Observers fire once with the novel portion of the update.
func (d *Doc) ApplyUpdate(update []byte) error {
	entries, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var novel [][]byte
	for _, e := range entries {
		key := digest(e)
		if _, ok := d.entries[key]; !ok {
			d.entries[key] = e
			novel = append(novel, e)
		}
	}
	var subs []func([]byte)
	if len(novel) > 0 {
		for _, fn := range d.subs {
			subs = append(subs, fn)
		}
	}
	d.mu.Unlock()

	if len(novel) > 0 {
		applied := EncodeUpdate(novel)
		for _, fn := range subs {
			fn(applied)
		}
	}
	return nil
}

// Commit applies a single locally produced entry and returns the update that
// encodes it, after observers have fired.
func (d *Doc) Commit(entry []byte) ([]byte, error) {
	update := EncodeUpdate([][]byte{entry})
	if err := d.ApplyUpdate(update); err != nil {
		return nil, err
	}
	return update, nil
}

// GetState returns the document's state vector: the sorted digests of every
// known entry.
func (d *Doc) GetState() []byte {
	d.mu.RLock()
	keys := make([]uint64, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	d.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	buf := ysync.WriteVarUint(nil, uint64(len(keys)))
	for _, k := range keys {
		buf = append(buf,
			byte(k>>56), byte(k>>48), byte(k>>40), byte(k>>32),
			byte(k>>24), byte(k>>16), byte(k>>8), byte(k))
	}
	return buf
}

func decodeStateVector(sv []byte) (map[uint64]struct{}, error) {
	known := make(map[uint64]struct{})
	if len(sv) == 0 {
		return known, nil
	}
	count, rest, err := ysync.ReadVarUint(sv)
	if err != nil {
		return nil, err
	}
	// compare without multiplying: count*8 could wrap for a hostile count
	if count > uint64(len(rest)/8) {
		return nil, ysync.ErrMalformedFrame
	}
	for i := uint64(0); i < count; i++ {
		b := rest[i*8:]
		k := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
			uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
		known[k] = struct{}{}
	}
	return known, nil
}

// GetUpdate encodes the entries missing from the replica described by
// stateVector. A nil or empty state vector yields the full document. Entries
// are ordered by digest, so two converged replicas return identical bytes.
func (d *Doc) GetUpdate(stateVector []byte) ([]byte, error) {
	known, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	keys := make([]uint64, 0, len(d.entries))
	for k := range d.entries {
		if _, ok := known[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	entries := make([][]byte, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, d.entries[k])
	}
	d.mu.RUnlock()

	return EncodeUpdate(entries), nil
}

// Observe registers a callback invoked with every applied update that
// changed the document.
func (d *Doc) Observe(fn func(update []byte)) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	sub := d.nextSub
	d.subs[sub] = fn
	return sub
}

// Unobserve removes a previously registered callback.
func (d *Doc) Unobserve(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, sub)
}

// EntryCount returns the number of distinct entries in the document.
func (d *Doc) EntryCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
