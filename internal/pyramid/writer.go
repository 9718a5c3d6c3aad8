package pyramid

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/util"
)

// JPEGQuality is the encoding quality of every tile.
const JPEGQuality = 90

// TileWriter writes tiles of one map. Concurrent writes to distinct tiles are safe.
type TileWriter struct {
	root string
	tag  [2]byte
}

func NewTileWriter(root string, tag [2]byte) *TileWriter {
	return &TileWriter{root: root, tag: tag}
}

// Root is the map root the writer writes under.
func (w *TileWriter) Root() string {
	return w.root
}

// Write encodes img as JPEG, appends the provenance tag and replaces the tile file.
func (w *TileWriter) Write(t model.Tile, img image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return fmt.Errorf("encode tile: %w", err)
	}
	buf.Write(w.tag[:])

	path := TilePath(w.root, t)
	if err := util.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write tile %s: %w", path, err)
	}
	return nil
}
