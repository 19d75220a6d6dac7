package internal

import (
	"slices"
	"sync"
)

// LiveConnection is what the store needs to know about a registered
// connection.
type LiveConnection interface {
	IsAlive() bool
}

// LocationStore maps location names to the single connection serving each
// location. All mutations happen under one lock, so a location never has two
// registered connections.
type LocationStore[C LiveConnection] struct {
	mut_locations sync.RWMutex
	locations     map[string]C
}

func CreateLocationStore[C LiveConnection]() *LocationStore[C] {
	return &LocationStore[C]{
		mut_locations: sync.RWMutex{},
		locations:     make(map[string]C),
	}
}

// Insert registers conn for location and returns the connection it replaced,
// if any. The caller is responsible for shutting the evicted one down.
func (store *LocationStore[C]) Insert(location string, conn C) (evicted C, hadPrevious bool) {
	store.mut_locations.Lock()
	defer store.mut_locations.Unlock()

	evicted, hadPrevious = store.locations[location]
	store.locations[location] = conn
	return evicted, hadPrevious
}

// Remove deletes the entry for location only if it still belongs to conn, so
// an evicted connection cannot remove its successor.
func (store *LocationStore[C]) Remove(location string, conn C) bool {
	store.mut_locations.Lock()
	defer store.mut_locations.Unlock()

	current, has := store.locations[location]
	if !has || any(current) != any(conn) {
		return false
	}
	delete(store.locations, location)
	return true
}

// Lookup returns the connection for location if it is registered and alive.
func (store *LocationStore[C]) Lookup(location string) (C, bool) {
	store.mut_locations.RLock()
	defer store.mut_locations.RUnlock()

	var none C
	conn, has := store.locations[location]
	if !has || !conn.IsAlive() {
		return none, false
	}
	return conn, true
}

// Locations returns a sorted snapshot of all registered location names.
func (store *LocationStore[C]) Locations() []string {
	store.mut_locations.RLock()
	defer store.mut_locations.RUnlock()

	names := make([]string, 0, len(store.locations))
	for name := range store.locations {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Connections returns a snapshot of all registered connections.
func (store *LocationStore[C]) Connections() []C {
	store.mut_locations.RLock()
	defer store.mut_locations.RUnlock()

	conns := make([]C, 0, len(store.locations))
	for _, conn := range store.locations {
		conns = append(conns, conn)
	}
	return conns
}
