package provisioner

import "fmt"

// Handle identifies an occupied Pool slot. A handle goes stale once its
// slot is released, even if the slot is reused. The zero Handle is never
// valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.gen)
}

type poolSlot[T any] struct {
	value T
	gen   uint32
	used  bool
}

// Pool is a fixed-capacity slot map. It is not safe for concurrent use.
type Pool[T any] struct {
	slots []poolSlot[T]
	free  []uint32
}

// NewPool creates a pool with capacity slots.
func NewPool[T any](capacity int) *Pool[T] {
	p := &Pool[T]{
		slots: make([]poolSlot[T], capacity),
		free:  make([]uint32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}
	return p
}

// TryAcquire stores v in a free slot. It reports false when the pool is
// full.
func (p *Pool[T]) TryAcquire(v T) (Handle, bool) {
	if len(p.free) == 0 {
		return Handle{}, false
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := &p.slots[i]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.value = v
	return Handle{index: i, gen: s.gen}, true
}

func (p *Pool[T]) slot(h Handle) *poolSlot[T] {
	if h.IsZero() || int(h.index) >= len(p.slots) {
		return nil
	}
	s := &p.slots[h.index]
	if !s.used || s.gen != h.gen {
		return nil
	}
	return s
}

// Get returns the value of h.
func (p *Pool[T]) Get(h Handle) (T, bool) {
	if s := p.slot(h); s != nil {
		return s.value, true
	}
	var zero T
	return zero, false
}

// Release frees the slot of h. It reports false for a stale handle.
func (p *Pool[T]) Release(h Handle) bool {
	s := p.slot(h)
	if s == nil {
		return false
	}
	var zero T
	s.value = zero
	s.used = false
	p.free = append(p.free, h.index)
	return true
}

// Len returns the number of occupied slots.
func (p *Pool[T]) Len() int { return len(p.slots) - len(p.free) }

// Cap returns the pool capacity.
func (p *Pool[T]) Cap() int { return len(p.slots) }

// Each calls fn for every occupied slot in index order until fn returns
// false.
func (p *Pool[T]) Each(fn func(h Handle, v T) bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if !s.used {
			continue
		}
		if !fn(Handle{index: uint32(i), gen: s.gen}, s.value) {
			return
		}
	}
}
