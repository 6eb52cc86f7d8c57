package memory

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// IDMapper maps opaque note ids to the dense integer ids an Index needs and
// tracks tombstones for indexes that cannot delete.
//
// Each tenant owns one mapper, but all mappers draw from one shared counter,
// so dense ids are unique process-wide.
type IDMapper struct {
	next *atomic.Uint64

	mu      sync.RWMutex
	toDense map[string]uint64
	toID    map[uint64]string
	dead    bitset
}

// NewIDMapper creates a mapper drawing ids from counter. A nil counter gets a
// private one.
func NewIDMapper(counter *atomic.Uint64) *IDMapper {
	if counter == nil {
		counter = new(atomic.Uint64)
	}
	return &IDMapper{
		next:    counter,
		toDense: make(map[string]uint64),
		toID:    make(map[uint64]string),
	}
}

// Reserve allocates the next dense id without binding it.
func (m *IDMapper) Reserve() uint64 {
	return m.next.Add(1) - 1
}

// Bind points id at dense. If id was already bound, the old dense id is
// tombstoned and returned as previous.
func (m *IDMapper) Bind(id string, dense uint64) (previous uint64, replaced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.toDense[id]; ok && old != dense {
		m.dead.set(old)
		previous, replaced = old, true
	}
	m.toDense[id] = dense
	m.toID[dense] = id
	m.dead.clear(dense)
	return previous, replaced
}

// Assign reserves a fresh dense id and binds id to it. Re-assigning an id
// never reuses its old slot.
func (m *IDMapper) Assign(id string) (dense uint64, previous uint64, replaced bool) {
	dense = m.Reserve()
	previous, replaced = m.Bind(id, dense)
	return dense, previous, replaced
}

// Release forgets a tombstoned dense id once the index has dropped it.
func (m *IDMapper) Release(dense uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dead.has(dense) {
		return
	}
	id, ok := m.toID[dense]
	if ok && m.toDense[id] == dense {
		// Still the current slot for id; only Remove or Purge may drop it.
		return
	}
	delete(m.toID, dense)
	m.dead.clear(dense)
}

// Dense returns the live dense id for id.
func (m *IDMapper) Dense(id string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.toDense[id]
	if !ok || m.dead.has(d) {
		return 0, false
	}
	return d, true
}

// ID returns the note id for a live dense id.
func (m *IDMapper) ID(dense uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dead.has(dense) {
		return "", false
	}
	id, ok := m.toID[dense]
	if !ok || m.toDense[id] != dense {
		return "", false
	}
	return id, true
}

// IsLive reports whether dense maps to a non-tombstoned note.
func (m *IDMapper) IsLive(dense uint64) bool {
	_, ok := m.ID(dense)
	return ok
}

// Tombstone marks id dead. It returns false when id is unknown or already dead.
func (m *IDMapper) Tombstone(id string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.toDense[id]
	if !ok || m.dead.has(d) {
		return 0, false
	}
	m.dead.set(d)
	return d, true
}

// Remove forgets id entirely, for indexes that deleted the vector physically.
func (m *IDMapper) Remove(id string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.toDense[id]
	if !ok {
		return 0, false
	}
	delete(m.toDense, id)
	delete(m.toID, d)
	m.dead.clear(d)
	return d, true
}

// Restore re-creates a mapping loaded from the document store and moves the
// shared counter past dense.
func (m *IDMapper) Restore(id string, dense uint64, tombstoned bool) {
	for {
		cur := m.next.Load()
		if cur > dense || m.next.CompareAndSwap(cur, dense+1) {
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.toDense[id]; ok && old != dense {
		if old > dense {
			// A newer vector already owns id; this one is stale.
			m.toID[dense] = id
			m.dead.set(dense)
			return
		}
		m.dead.set(old)
	}
	m.toDense[id] = dense
	m.toID[dense] = id
	if tombstoned {
		m.dead.set(dense)
	}
}

// Purge drops every tombstoned mapping and returns the freed dense ids.
// Call it only after the index has compacted those vectors away.
func (m *IDMapper) Purge() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var freed []uint64
	for d, id := range m.toID {
		if !m.dead.has(d) {
			continue
		}
		freed = append(freed, d)
		delete(m.toID, d)
		if m.toDense[id] == d {
			delete(m.toDense, id)
		}
		m.dead.clear(d)
	}
	return freed
}

// Len counts live mappings.
func (m *IDMapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, d := range m.toDense {
		if !m.dead.has(d) {
			n++
		}
	}
	return n
}

// Tombstones counts dead dense ids still awaiting compaction.
func (m *IDMapper) Tombstones() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dead.count()
}

// bitset is a grow-on-demand live/dead bitmap indexed by dense id.
type bitset []uint64

func (b *bitset) set(i uint64) {
	w := int(i / 64)
	if w >= len(*b) {
		grown := make(bitset, w+1)
		copy(grown, *b)
		*b = grown
	}
	(*b)[w] |= 1 << (i % 64)
}

func (b *bitset) clear(i uint64) {
	w := int(i / 64)
	if w < len(*b) {
		(*b)[w] &^= 1 << (i % 64)
	}
}

func (b bitset) has(i uint64) bool {
	w := int(i / 64)
	return w < len(b) && b[w]&(1<<(i%64)) != 0
}

func (b bitset) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}
