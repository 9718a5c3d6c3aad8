package pyramid

import (
	"fmt"
	"io"
	"os"
)

// ReadTag returns the 2-byte provenance tag appended to a tile file. ok is false
// when the file ends with the JPEG end-of-image marker, i.e. carries no tag.
func ReadTag(path string) (tag [2]byte, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return tag, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return tag, false, err
	}
	if info.Size() < 4 {
		return tag, false, fmt.Errorf("%s: file too small", path)
	}
	if _, err := f.ReadAt(tag[:], info.Size()-2); err != nil && err != io.EOF {
		return tag, false, err
	}
	if tag == [2]byte{0xFF, 0xD9} {
		return [2]byte{}, false, nil
	}
	return tag, true, nil
}
