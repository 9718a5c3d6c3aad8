// Package pyramid owns the on-disk layout of a downloaded map: tile files, side
// files and the metadata written once a download completes.
package pyramid

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/util"
)

// File names at a map root.
const (
	NoMediaFile    = ".nomedia"
	LedgerFile     = "map_update.json"
	PropertiesFile = "properties.json"
	PendingFile    = "download-pending"
)

// TileExtension is the extension of tiles written by this package.
const TileExtension = ".jpg"

// TilePath returns root/<level>/<row>/<col>.jpg for the index coordinate of t.
func TilePath(root string, t model.Tile) string {
	return filepath.Join(root,
		strconv.Itoa(t.IndexLevel),
		strconv.Itoa(t.IndexRow),
		strconv.Itoa(t.IndexCol)+TileExtension)
}

// WriteNoMedia creates the marker that keeps media scanners out of root.
func WriteNoMedia(root string) error {
	return util.TouchFile(filepath.Join(root, NoMediaFile))
}

// MarkPending records that a download into root has started and not been recorded yet.
func MarkPending(root string) error {
	return util.TouchFile(filepath.Join(root, PendingFile))
}

// ClearPending removes the pending marker. A missing marker is not an error.
func ClearPending(root string) error {
	err := os.Remove(filepath.Join(root, PendingFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsPending reports whether root carries the pending marker.
func IsPending(root string) bool {
	return util.FileExists(filepath.Join(root, PendingFile))
}
