package blobs

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// ReadFile maps the file read-only and copies it out, so the returned bytes never alias the
// mapping and stay valid after the file is replaced or removed.
func ReadFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", p, err)
	}
	if st.Size() == 0 {
		return []byte{}, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mapping %q: %w", p, err)
	}
	b := make([]byte, len(m))
	copy(b, m)
	if err := m.Unmap(); err != nil {
		return nil, fmt.Errorf("unmapping %q: %w", p, err)
	}
	return b, nil
}
