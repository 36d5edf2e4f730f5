// Package fake is an in-memory registrystore.Store used by every test in
// this module that needs distribution registration or disk-mount
// persistence, mirroring how internal/hcs tests substitute vmcompute.go's
// syscalls rather than talking to a real Windows registry
// (SPEC_FULL.md §2.4).
package fake

import (
	"context"
	"sync"

	"github.com/Microsoft/go-winio/pkg/guid"

	"github.com/microsoft/WSL-sub002/internal/errdefs"
	"github.com/microsoft/WSL-sub002/internal/registrystore"
)

// Store is an in-memory registrystore.Store.
type Store struct {
	mu       sync.Mutex
	distros  map[guid.GUID]registrystore.Distribution
	def      guid.GUID
	hasDef   bool
	diskMnts map[guid.GUID]map[string][]registrystore.DiskMount
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		distros:  make(map[guid.GUID]registrystore.Distribution),
		diskMnts: make(map[guid.GUID]map[string][]registrystore.DiskMount),
	}
}

func (s *Store) SaveDistribution(ctx context.Context, d registrystore.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distros[d.ID] = d
	return nil
}

func (s *Store) LoadDistribution(ctx context.Context, id guid.GUID) (registrystore.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.distros[id]
	if !ok {
		return registrystore.Distribution{}, errdefs.ErrDistroNotFound
	}
	return d, nil
}

func (s *Store) DeleteDistribution(ctx context.Context, id guid.GUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.distros[id]; !ok {
		return errdefs.ErrDistroNotFound
	}
	delete(s.distros, id)
	if s.hasDef && s.def == id {
		s.hasDef = false
	}
	return nil
}

func (s *Store) ListDistributions(ctx context.Context) ([]registrystore.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registrystore.Distribution, 0, len(s.distros))
	for _, d := range s.distros {
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) GetDefaultDistribution(ctx context.Context) (guid.GUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.def, s.hasDef, nil
}

func (s *Store) SetDefaultDistribution(ctx context.Context, id guid.GUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.def = id
	s.hasDef = true
	return nil
}

func (s *Store) SaveDiskMount(ctx context.Context, vmID guid.GUID, diskPath string, mounts []registrystore.DiskMount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.diskMnts[vmID] == nil {
		s.diskMnts[vmID] = make(map[string][]registrystore.DiskMount)
	}
	s.diskMnts[vmID][diskPath] = append([]registrystore.DiskMount(nil), mounts...)
	return nil
}

func (s *Store) DeleteDiskMount(ctx context.Context, vmID guid.GUID, diskPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byPath, ok := s.diskMnts[vmID]; ok {
		delete(byPath, diskPath)
	}
	return nil
}

func (s *Store) ListDiskMounts(ctx context.Context, vmID guid.GUID) ([]registrystore.DiskMount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registrystore.DiskMount
	for _, mounts := range s.diskMnts[vmID] {
		out = append(out, mounts...)
	}
	return out, nil
}

func (s *Store) ClearDiskMounts(ctx context.Context, vmID guid.GUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.diskMnts, vmID)
	return nil
}

var _ registrystore.Store = (*Store)(nil)

// PathWriter is an in-memory registrystore.ShortcutWriter and
// registrystore.TerminalProfileWriter, recording the paths it was asked to
// write or remove for tests that need to assert on that without a real
// filesystem or COM surface.
type PathWriter struct {
	mu      sync.Mutex
	written map[string]registrystore.Distribution
}

// NewPathWriter returns an empty PathWriter.
func NewPathWriter() *PathWriter {
	return &PathWriter{written: make(map[string]registrystore.Distribution)}
}

func (w *PathWriter) Write(ctx context.Context, path string, d registrystore.Distribution) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written[path] = d
	return nil
}

func (w *PathWriter) Remove(ctx context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.written, path)
	return nil
}

// Has reports whether path is currently recorded as written.
func (w *PathWriter) Has(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.written[path]
	return ok
}

var (
	_ registrystore.ShortcutWriter        = (*PathWriter)(nil)
	_ registrystore.TerminalProfileWriter = (*PathWriter)(nil)
)
