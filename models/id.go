package models

import "sync"

// SequentialIDGenerator hands out uint32 ids starting at 1, recycling
// released ids before minting new ones.
type SequentialIDGenerator struct {
	mutex    sync.Mutex
	lastID   uint32
	recycled map[uint32]struct{}
}

func (g *SequentialIDGenerator) New() uint32 {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	for id := range g.recycled {
		delete(g.recycled, id)
		return id
	}

	g.lastID++
	return g.lastID
}

// Reuse releases an id so a later New can return it again.
func (g *SequentialIDGenerator) Reuse(id uint32) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.recycled == nil {
		g.recycled = make(map[uint32]struct{})
	}
	g.recycled[id] = struct{}{}
}
