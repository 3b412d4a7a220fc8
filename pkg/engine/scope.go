package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// Scope is the allocation and scheduling context of one graph pass. Every buffer it hands out is
// tracked until it is recycled or the pass ends.
type Scope struct {
	ctx         context.Context
	arena       *tensor.Arena
	parallelism int

	mu        sync.Mutex
	allocated map[*float32][]float32
}

// NewScope creates a scope drawing buffers from arena (nil allocates fresh memory).
func NewScope(ctx context.Context, arena *tensor.Arena, parallelism int) *Scope {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Scope{
		ctx:         ctx,
		arena:       arena,
		parallelism: parallelism,
		allocated:   make(map[*float32][]float32),
	}
}

func (s *Scope) Context() context.Context {
	return s.ctx
}

func (s *Scope) Parallelism() int {
	return s.parallelism
}

// Buffer returns a zeroed buffer of n elements.
func (s *Scope) Buffer(n int) []float32 {
	var buf []float32
	if s.arena != nil {
		buf = s.arena.Get(n)
	} else {
		buf = make([]float32, n)
	}
	if n > 0 {
		s.mu.Lock()
		s.allocated[&buf[0]] = buf
		s.mu.Unlock()
	}
	return buf
}

// Alloc returns a zeroed tensor of the given shape.
func (s *Scope) Alloc(shape ...int) *tensor.Tensor {
	return tensor.MustNew(shape, s.Buffer(tensor.NumberOfElements(shape...)))
}

func bufferKey(t *tensor.Tensor) *float32 {
	data := t.Data()
	if cap(data) == 0 {
		return nil
	}
	return &data[:1][0]
}

// Owns reports whether t's buffer was allocated by this scope and is still live.
func (s *Scope) Owns(t *tensor.Tensor) bool {
	key := bufferKey(t)
	if key == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.allocated[key]
	return ok
}

// RecycleBuffer hands buf back to the arena if this scope allocated it.
func (s *Scope) RecycleBuffer(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	key := &buf[:1][0]
	s.mu.Lock()
	owned, ok := s.allocated[key]
	delete(s.allocated, key)
	s.mu.Unlock()
	if ok && s.arena != nil {
		s.arena.Put(owned)
	}
}

// Recycle hands t's buffer back. No other tensor may still view it.
func (s *Scope) Recycle(t *tensor.Tensor) {
	s.RecycleBuffer(t.Data())
}

// ReleaseExcept recycles every buffer still tracked, except those backing keep. The kept
// buffers are no longer tracked; their ownership passes to the caller.
func (s *Scope) ReleaseExcept(keep ...*tensor.Tensor) {
	kept := make(map[*float32]bool, len(keep))
	for _, t := range keep {
		if key := bufferKey(t); key != nil {
			kept[key] = true
		}
	}
	s.mu.Lock()
	allocated := s.allocated
	s.allocated = make(map[*float32][]float32)
	s.mu.Unlock()
	for key, buf := range allocated {
		if kept[key] {
			continue
		}
		if s.arena != nil {
			s.arena.Put(buf)
		}
	}
}

// ParallelFor runs fn for i in [0, n) with at most Parallelism concurrent calls. Work items must
// write disjoint memory, so the result does not depend on scheduling. The scope's context is not
// consulted: a pass is never interrupted part way.
func (s *Scope) ParallelFor(n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	if s.parallelism == 1 || n == 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return fn(i)
		})
	}
	return g.Wait()
}
