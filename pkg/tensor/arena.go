package tensor

import "sync"

// maxFreePerSize bounds how many idle buffers of one length the arena keeps.
const maxFreePerSize = 8

// Arena recycles activation buffers between runs. Buffers handed out are always zeroed.
type Arena struct {
	mu       sync.Mutex
	free     map[int][][]float32
	retained int
	reused   int64
}

func NewArena() *Arena {
	return &Arena{free: make(map[int][][]float32)}
}

// Get returns a zeroed buffer of n elements.
func (a *Arena) Get(n int) []float32 {
	a.mu.Lock()
	list := a.free[n]
	if len(list) > 0 {
		buf := list[len(list)-1]
		a.free[n] = list[:len(list)-1]
		a.retained -= n
		a.reused++
		a.mu.Unlock()
		clear(buf)
		return buf
	}
	a.mu.Unlock()
	return make([]float32, n)
}

// Put returns a buffer to the arena. The caller must hold no other reference to it.
func (a *Arena) Put(buf []float32) {
	n := len(buf)
	if n == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.free == nil || len(a.free[n]) >= maxFreePerSize {
		return
	}
	a.free[n] = append(a.free[n], buf)
	a.retained += n
}

// RetainedBytes is the memory held by idle buffers.
func (a *Arena) RetainedBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return 4 * a.retained
}

// Reused counts Get calls served from recycled buffers.
func (a *Arena) Reused() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reused
}

// Release drops every idle buffer; later Puts are ignored.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = nil
	a.retained = 0
}
