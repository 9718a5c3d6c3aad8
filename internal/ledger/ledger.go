// Package ledger keeps the repair/update bookkeeping of a map in map_update.json,
// next to the descriptor but independent from it.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/pyramid"
	"github.com/geoyee/tilevault/internal/registry"
	"github.com/geoyee/tilevault/internal/util"
)

// ErrNoRoot is returned when the directory of a map cannot be resolved.
var ErrNoRoot = errors.New("map has no filesystem root")

const (
	keyMissingTiles = "missing_tiles_count"
	keyLastRepair   = "last_repair_date"
	keyLastUpdate   = "last_update_date"
)

// Subject is the in-memory map whose counters the ledger keeps in sync.
type Subject interface {
	ID() uuid.UUID
	SetMissingTilesCount(n int64)
	SetLastRepairDate(date *int64)
	SetLastUpdateDate(date *int64)
	SetDownloadPending(pending bool)
}

// Ledger serializes read-merge-write cycles on ledger files.
type Ledger struct {
	mu       sync.Mutex
	registry *registry.Table
	logger   *zap.Logger
}

func New(reg *registry.Table, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{registry: reg, logger: logger.Named("ledger")}
}

// Path returns the ledger path of the map at root.
func Path(root string) string {
	return filepath.Join(root, pyramid.LedgerFile)
}

// BackupPath is where an unreadable ledger is moved before a fresh one is written.
func BackupPath(root string) string {
	return Path(root) + ".bak"
}

// RecordDownload replaces the missing tile count after a download.
func (l *Ledger) RecordDownload(m Subject, missing int64) error {
	root, err := l.write(m, map[string]any{keyMissingTiles: missing})
	if err != nil {
		return err
	}
	l.clearPending(m, root)
	m.SetMissingTilesCount(missing)
	return nil
}

// RecordRepair stores the missing tile count after a repair, keeping the last update date.
func (l *Ledger) RecordRepair(m Subject, missing int64, date time.Time) error {
	ms := date.UnixMilli()
	root, err := l.write(m, map[string]any{keyMissingTiles: missing, keyLastRepair: ms})
	if err != nil {
		return err
	}
	l.clearPending(m, root)
	m.SetMissingTilesCount(missing)
	m.SetLastRepairDate(&ms)
	return nil
}

// RecordUpdate stores the missing tile count after an update, keeping the last repair date.
func (l *Ledger) RecordUpdate(m Subject, missing int64, date time.Time) error {
	ms := date.UnixMilli()
	root, err := l.write(m, map[string]any{keyMissingTiles: missing, keyLastUpdate: ms})
	if err != nil {
		return err
	}
	l.clearPending(m, root)
	m.SetMissingTilesCount(missing)
	m.SetLastUpdateDate(&ms)
	return nil
}

// Load applies the persisted ledger to m. A map without ledger is left untouched
// and loaded is false.
func (l *Ledger) Load(m Subject) (loaded bool, err error) {
	root, err := l.root(m)
	if err != nil {
		return false, err
	}
	entry, ok, err := Read(root)
	if err != nil || !ok {
		return false, err
	}
	m.SetMissingTilesCount(entry.MissingTilesCount)
	m.SetLastRepairDate(entry.LastRepairDate)
	m.SetLastUpdateDate(entry.LastUpdateDate)
	return true, nil
}

// Read parses the ledger at root. ok is false when there is none.
func Read(root string) (entry model.LedgerEntry, ok bool, err error) {
	data, err := os.ReadFile(Path(root))
	if errors.Is(err, os.ErrNotExist) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, fmt.Errorf("read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, false, fmt.Errorf("parse ledger: %w", err)
	}
	return entry, true, nil
}

func (l *Ledger) root(m Subject) (string, error) {
	if r, ok := m.(model.FilesystemRooted); ok && r.Root() != "" {
		return r.Root(), nil
	}
	if l.registry != nil {
		if root, ok := l.registry.Root(m.ID()); ok {
			return root, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoRoot, m.ID())
}

// write merges fields into the ledger of m, keeping keys it does not set.
func (l *Ledger) write(m Subject, fields map[string]any) (string, error) {
	root, err := l.root(m)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	doc := make(map[string]json.RawMessage)
	data, err := os.ReadFile(Path(root))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &doc); err != nil {
			backup := BackupPath(root)
			if err := os.Rename(Path(root), backup); err != nil {
				return "", fmt.Errorf("set aside unreadable ledger: %w", err)
			}
			l.logger.Warn("unreadable ledger set aside", zap.String("root", root), zap.String("backup", backup), zap.Error(err))
			doc = make(map[string]json.RawMessage)
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read ledger: %w", err)
	}

	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal %s: %w", k, err)
		}
		doc[k] = raw
	}

	if err := util.WriteJSONAtomic(Path(root), doc); err != nil {
		return "", fmt.Errorf("write ledger: %w", err)
	}
	return root, nil
}

func (l *Ledger) clearPending(m Subject, root string) {
	if err := pyramid.ClearPending(root); err != nil {
		l.logger.Warn("cannot remove pending marker", zap.String("root", root), zap.Error(err))
		return
	}
	m.SetDownloadPending(false)
}
