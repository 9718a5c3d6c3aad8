package model

import (
	"sync"

	"github.com/google/uuid"
)

// FilesystemRooted is implemented by maps whose tiles live under a directory.
type FilesystemRooted interface {
	Root() string
}

// Map is an in-memory map: its descriptor plus counters that are not stored in the
// descriptor. Counters are safe for concurrent use.
type Map struct {
	mu             sync.RWMutex
	desc           *MapDescriptor
	root           string
	missingTiles   int64
	lastRepairDate *int64
	lastUpdateDate *int64
	pending        bool
	sizeInBytes    *int64
	elevationFix   int
}

// NewMap wraps a descriptor found at root.
func NewMap(desc *MapDescriptor, root string) *Map {
	return &Map{
		desc:         desc,
		root:         root,
		missingTiles: desc.MissingTiles,
	}
}

func (m *Map) ID() uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.desc.ID
}

func (m *Map) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.desc.Name
}

// Root returns the directory holding the map's descriptor and tiles.
func (m *Map) Root() string {
	return m.root
}

// Descriptor returns a snapshot of the map's descriptor.
func (m *Map) Descriptor() *MapDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.desc.Clone()
}

func (m *Map) MissingTilesCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.missingTiles
}

func (m *Map) SetMissingTilesCount(n int64) {
	m.mu.Lock()
	m.missingTiles = n
	m.mu.Unlock()
}

func (m *Map) LastRepairDate() *int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyInt64(m.lastRepairDate)
}

func (m *Map) SetLastRepairDate(date *int64) {
	m.mu.Lock()
	m.lastRepairDate = copyInt64(date)
	m.mu.Unlock()
}

func (m *Map) LastUpdateDate() *int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyInt64(m.lastUpdateDate)
}

func (m *Map) SetLastUpdateDate(date *int64) {
	m.mu.Lock()
	m.lastUpdateDate = copyInt64(date)
	m.mu.Unlock()
}

// DownloadPending reports whether a download into this map was started but never recorded.
func (m *Map) DownloadPending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending
}

func (m *Map) SetDownloadPending(pending bool) {
	m.mu.Lock()
	m.pending = pending
	m.mu.Unlock()
}

func (m *Map) SizeInBytes() *int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyInt64(m.sizeInBytes)
}

func (m *Map) SetSizeInBytes(size *int64) {
	m.mu.Lock()
	m.sizeInBytes = copyInt64(size)
	m.mu.Unlock()
}

func (m *Map) ElevationFix() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.elevationFix
}

func (m *Map) SetElevationFix(fix int) {
	m.mu.Lock()
	m.elevationFix = fix
	m.mu.Unlock()
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
