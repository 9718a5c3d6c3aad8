package pyramid

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DownloadedDir is the directory under the app directory receiving new maps.
const DownloadedDir = "downloaded"

// TimestampResolver allocates a fresh root for each new map under AppDir.
type TimestampResolver struct {
	AppDir string
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewMapFolder creates <AppDir>/downloaded/map-dd-MM-yyyy_HH-mm-ss, suffixed with -n
// when a folder with the same second already exists.
func (r *TimestampResolver) NewMapFolder() (string, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	parent := filepath.Join(r.AppDir, DownloadedDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", parent, err)
	}

	base := "map-" + now().Format("02-01-2006_15-04-05")
	for n := 0; n < 1000; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		dir := filepath.Join(parent, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return "", fmt.Errorf("no free folder name for %s", base)
}
