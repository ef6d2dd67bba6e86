package tcu

import (
	"sync"

	"github.com/google/btree"

	"github.com/1ureka/1ureka.net.tcu/internal/protocol"
)

// seqMap is an ordered seq→packet map. The send window, receive buffer and
// error buffer are all seqMaps. The receive task reads and writes the send
// window during ACK and NACK handling while the send task fills it, so every
// access takes the map's lock.
type seqMap struct {
	mu   sync.Mutex
	tree *btree.BTreeG[seqEntry]
}

type seqEntry struct {
	seq uint32
	pkt *protocol.Packet
}

func seqLess(a, b seqEntry) bool { return a.seq < b.seq }

func newSeqMap() *seqMap {
	return &seqMap{tree: btree.NewG(2, seqLess)}
}

// Put inserts or replaces the packet stored under seq.
func (m *seqMap) Put(seq uint32, pkt *protocol.Packet) {
	m.mu.Lock()
	m.tree.ReplaceOrInsert(seqEntry{seq: seq, pkt: pkt})
	m.mu.Unlock()
}

// Get returns the packet stored under seq, if any.
func (m *seqMap) Get(seq uint32) (*protocol.Packet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tree.Get(seqEntry{seq: seq})
	if !ok {
		return nil, false
	}
	return e.pkt, true
}

// Delete removes seq and reports whether it was present.
func (m *seqMap) Delete(seq uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tree.Delete(seqEntry{seq: seq})
	return ok
}

// Min returns the lowest buffered seq.
func (m *seqMap) Min() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tree.Min()
	if !ok {
		return 0, false
	}
	return e.seq, true
}

// Max returns the highest buffered seq.
func (m *seqMap) Max() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tree.Max()
	if !ok {
		return 0, false
	}
	return e.seq, true
}

// Len returns the number of buffered entries.
func (m *seqMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Len()
}

// Ascend walks the entries in ascending seq order while fn returns true.
func (m *seqMap) Ascend(fn func(seq uint32, pkt *protocol.Packet) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Ascend(func(e seqEntry) bool {
		return fn(e.seq, e.pkt)
	})
}

// DeleteUpTo removes every entry with seq ≤ limit.
func (m *seqMap) DeleteUpTo(limit uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []seqEntry
	m.tree.Ascend(func(e seqEntry) bool {
		if e.seq > limit {
			return false
		}
		stale = append(stale, e)
		return true
	})
	for _, e := range stale {
		m.tree.Delete(e)
	}
}

// Clear drops every entry.
func (m *seqMap) Clear() {
	m.mu.Lock()
	m.tree.Clear(false)
	m.mu.Unlock()
}
