package descriptor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/util"
)

// migrationNamespace seeds ids minted for descriptors written before ids existed.
var migrationNamespace = uuid.MustParse("5b1c3e4a-9d0f-4e8b-a6f2-7c3d2e1b0a99")

// Path returns the descriptor path of the map at root.
func Path(root string) string {
	return filepath.Join(root, FileName)
}

// MigrationID is the id minted for a legacy descriptor at root. It depends only on
// the absolute root, so repeated migrations agree.
func MigrationID(root string) uuid.UUID {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	return uuid.NewSHA1(migrationNamespace, []byte(abs))
}

// Store loads and saves descriptors.
type Store struct {
	logger *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger.Named("descriptor")}
}

// Exists reports whether root holds a descriptor.
func (s *Store) Exists(root string) bool {
	return util.FileExists(Path(root))
}

// Load reads the descriptor at root. A descriptor without an id gets one minted
// and is saved back before Load returns.
func (s *Store) Load(root string) (*model.MapDescriptor, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	d, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Path(root), err)
	}
	if d.ID == uuid.Nil {
		d.ID = MigrationID(root)
		if err := s.Save(root, d); err != nil {
			return nil, fmt.Errorf("persist migrated descriptor: %w", err)
		}
		s.logger.Info("assigned id to legacy map", zap.String("root", root), zap.Stringer("id", d.ID))
	}
	return d, nil
}

// Save replaces the descriptor at root atomically.
func (s *Store) Save(root string, d *model.MapDescriptor) error {
	data, err := Encode(d)
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(Path(root), data, 0o644); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	s.logger.Debug("saved descriptor", zap.String("root", root), zap.String("name", d.Name))
	return nil
}
