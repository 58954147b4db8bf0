package yroom

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/yrooms/relay/internal/logger"
	"github.com/yrooms/relay/internal/metrics"
	"github.com/yrooms/relay/internal/transport"
	"github.com/yrooms/relay/internal/ystore"
)

// ErrRoomNotFound is returned for operations on an unknown room name.
var ErrRoomNotFound = errors.New("room not found")

// StoreFactory builds the update store bound to a new room. The room name
// is the document path. A nil factory (or a nil result) leaves rooms
// without persistence.
type StoreFactory func(name string) ystore.Store

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// RoomsReady marks new rooms ready for synchronization immediately.
	RoomsReady bool
	// AutoCleanRooms deletes a room when its last client leaves.
	AutoCleanRooms bool
	// AutoRestart restarts a room's tasks after a handled error.
	AutoRestart bool
	// ExceptionHandler receives room task errors. The default re-raises.
	ExceptionHandler ExceptionHandler
	// Stores builds the per-room update store binding.
	Stores StoreFactory
}

// DefaultRegistryOptions returns the option defaults: rooms ready, auto
// clean on, auto restart off.
func DefaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		RoomsReady:     true,
		AutoCleanRooms: true,
	}
}

// Registry multiplexes connections over rooms: it creates rooms on first
// access, parents their tasks under its own scope, and garbage-collects
// empty rooms.
type Registry struct {
	opts       RegistryOptions
	instanceID string

	mu      sync.Mutex
	rooms   map[string]*Room
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewRegistry creates a registry.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		opts:       opts,
		instanceID: uuid.New().String(),
		rooms:      make(map[string]*Room),
	}
}

// InstanceID identifies this registry instance in logs.
func (reg *Registry) InstanceID() string {
	return reg.instanceID
}

// Start makes the registry ready to serve. Room tasks become children of
// the given context; cancelling it stops every room.
func (reg *Registry) Start(ctx context.Context) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.running {
		return ErrAlreadyRunning
	}
	reg.ctx, reg.cancel = context.WithCancel(ctx)
	reg.running = true
	logger.Info("registry %s started", reg.instanceID)
	return nil
}

// Stop stops every room and the registry itself.
func (reg *Registry) Stop() error {
	reg.mu.Lock()
	if !reg.running {
		reg.mu.Unlock()
		return ErrNotRunning
	}
	reg.running = false
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.rooms = make(map[string]*Room)
	cancel := reg.cancel
	reg.mu.Unlock()

	for _, room := range rooms {
		if err := room.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			logger.Error("stopping room %s: %v", room.Name, err)
		}
		metrics.ActiveRooms.Dec()
	}
	cancel()
	logger.Info("registry %s stopped", reg.instanceID)
	return nil
}

// GetRoom returns the started room with the given name, creating it on
// first access. Concurrent calls for the same name return the same
// instance.
func (reg *Registry) GetRoom(name string) (*Room, error) {
	reg.mu.Lock()
	if !reg.running {
		reg.mu.Unlock()
		return nil, ErrNotRunning
	}
	room, ok := reg.rooms[name]
	if !ok {
		opts := Options{
			Ready:            reg.opts.RoomsReady,
			ExceptionHandler: reg.opts.ExceptionHandler,
			AutoRestart:      reg.opts.AutoRestart,
		}
		if reg.opts.Stores != nil {
			opts.Store = reg.opts.Stores(name)
		}
		room = NewRoom(name, opts)
		reg.rooms[name] = room
		metrics.ActiveRooms.Inc()
	}
	ctx := reg.ctx
	reg.mu.Unlock()

	if err := reg.startRoom(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (reg *Registry) startRoom(ctx context.Context, room *Room) error {
	if err := room.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		return err
	}
	return nil
}

// Serve looks up or creates the room named by the transport's path and
// serves the client on it. When auto-clean is enabled and the last client
// left, the room is stopped and removed.
func (reg *Registry) Serve(ctx context.Context, t transport.Transport) error {
	room, err := reg.GetRoom(t.Path())
	if err != nil {
		return err
	}
	err = room.Serve(ctx, t)
	if reg.opts.AutoCleanRooms && room.ClientCount() == 0 {
		if delErr := reg.DeleteRoom(t.Path()); delErr != nil && !errors.Is(delErr, ErrRoomNotFound) {
			logger.Error("auto-cleaning room %s: %v", t.Path(), delErr)
		}
	}
	return err
}

// RoomCount returns the number of rooms currently held.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// RenameRoom rebinds a room to a new name.
func (reg *Registry) RenameRoom(from, to string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[from]
	if !ok {
		return ErrRoomNotFound
	}
	delete(reg.rooms, from)
	reg.rooms[to] = room
	return nil
}

// DeleteRoom stops a room and removes it from the registry.
func (reg *Registry) DeleteRoom(name string) error {
	reg.mu.Lock()
	room, ok := reg.rooms[name]
	if ok {
		delete(reg.rooms, name)
	}
	reg.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}
	metrics.ActiveRooms.Dec()
	if err := room.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}
