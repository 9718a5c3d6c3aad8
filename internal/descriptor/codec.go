// Package descriptor reads and writes map.json, the durable record of a map.
package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/geoyee/tilevault/internal/model"
)

// FileName is the name of the descriptor file at a map root.
const FileName = "map.json"

// ErrInvalidDescriptor is returned for descriptors that do not follow the schema.
var ErrInvalidDescriptor = errors.New("invalid map descriptor")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDescriptor, fmt.Sprintf(format, args...))
}

// Decode parses and validates a descriptor. A missing uuid is not an error; the
// returned descriptor then has a nil ID.
func Decode(data []byte) (*model.MapDescriptor, error) {
	var f fileDescriptor
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, invalid("%v", err)
	}
	if err := validate(&f); err != nil {
		return nil, err
	}
	return fromFile(&f)
}

// Encode validates d and serializes it.
func Encode(d *model.MapDescriptor) ([]byte, error) {
	f := toFile(d)
	if err := validate(f); err != nil {
		return nil, err
	}
	return json.MarshalIndent(f, "", "  ")
}

func validate(f *fileDescriptor) error {
	if f.Name == "" {
		return invalid("missing name")
	}
	if len(f.Levels) == 0 {
		return invalid("no levels")
	}
	for i, l := range f.Levels {
		if l.Level != i {
			return invalid("levels must be contiguous from 0, got %d at position %d", l.Level, i)
		}
		if l.TileSize.X <= 0 || l.TileSize.Y <= 0 {
			return invalid("level %d has no tile size", l.Level)
		}
	}
	if f.Size == nil || f.Size.X <= 0 || f.Size.Y <= 0 {
		return invalid("missing size")
	}
	if f.Provider == nil {
		return invalid("missing provider")
	}
	if !model.MapOrigin(f.Provider.GeneratedBy).Valid() {
		return invalid("unknown origin %q", f.Provider.GeneratedBy)
	}
	if f.Provider.ImageExtension == "" {
		return invalid("missing image extension")
	}
	if c := f.Calibration; c != nil {
		switch model.CalibrationMethod(c.Method) {
		case model.CalibrationSimple2Points, model.Calibration3Points, model.Calibration4Points:
		default:
			return invalid("unknown calibration method %q", c.Method)
		}
		if len(c.Points) > 4 {
			return invalid("too many calibration points")
		}
	}
	return nil
}
