package tensor

import (
	"fmt"
	"sort"
)

// Store maps names to tensors. A child store reads through to its parent but only ever writes
// its own entries, so a frozen parent can be shared by any number of children.
//
// A Store is not safe for concurrent writes; a frozen Store is safe for concurrent reads.
type Store struct {
	parent  *Store
	entries map[string]*Tensor
	frozen  bool
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*Tensor)}
}

// Child returns an empty store layered over s.
func (s *Store) Child() *Store {
	return &Store{parent: s, entries: make(map[string]*Tensor)}
}

func (s *Store) Get(name string) (*Tensor, error) {
	for store := s; store != nil; store = store.parent {
		if t, ok := store.entries[name]; ok {
			return t, nil
		}
	}
	return nil, &UnknownTensorError{Name: name}
}

func (s *Store) Has(name string) bool {
	_, err := s.Get(name)
	return err == nil
}

// Owns reports whether name is held by s itself rather than an ancestor.
func (s *Store) Owns(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Set inserts or replaces the whole tensor held under name.
func (s *Store) Set(name string, t *Tensor) error {
	if s.frozen {
		return fmt.Errorf("setting %q: %w", name, ErrReadOnly)
	}
	for p := s.parent; p != nil; p = p.parent {
		if _, ok := p.entries[name]; ok {
			return fmt.Errorf("setting %q: shadows an inherited tensor: %w", name, ErrReadOnly)
		}
	}
	if t == nil {
		return fmt.Errorf("setting %q: nil tensor", name)
	}
	s.entries[name] = t
	return nil
}

// Delete drops an entry owned by s, returning the tensor that was held.
func (s *Store) Delete(name string) (*Tensor, bool) {
	if s.frozen {
		return nil, false
	}
	t, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	return t, ok
}

// Freeze makes every entry of s read-only.
func (s *Store) Freeze() {
	s.frozen = true
}

func (s *Store) Frozen() bool {
	return s.frozen
}

// Names lists the entries owned by s, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Len() int {
	return len(s.entries)
}

// SizeInBytes sums the buffers owned by s, counting shared buffers once.
func (s *Store) SizeInBytes() int {
	seen := make(map[*float32]bool)
	total := 0
	for _, t := range s.entries {
		if cap(t.data) == 0 {
			continue
		}
		key := &t.data[:1][0]
		if seen[key] {
			continue
		}
		seen[key] = true
		total += t.SizeInBytes()
	}
	return total
}

// Clear drops every entry, frozen or not. The store is unusable for reads afterwards.
func (s *Store) Clear() {
	clear(s.entries)
	s.parent = nil
}
