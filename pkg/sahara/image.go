package sahara

import (
	"fmt"
	"os"
)

// Image is the programmer-image source the Sahara upload loop serves
// ReadData requests from. Any io.ReaderAt-shaped value (a file, an
// in-memory blob, a section of a larger archive) can implement it.
type Image interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

// BytesImage is an Image backed by an in-memory byte slice.
type BytesImage []byte

// ReadAt implements Image.
func (b BytesImage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, fmt.Errorf("sahara: offset %d out of range for %d-byte image", off, len(b))
	}
	n := copy(p, b[off:])
	return n, nil
}

// Size implements Image.
func (b BytesImage) Size() int64 { return int64(len(b)) }

// FileImage is an Image backed by an open file handle.
type FileImage struct {
	f    *os.File
	size int64
}

// OpenFileImage opens path as a programmer image source.
func OpenFileImage(path string) (*FileImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sahara: open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sahara: stat image: %w", err)
	}
	return &FileImage{f: f, size: info.Size()}, nil
}

// ReadAt implements Image.
func (fi *FileImage) ReadAt(p []byte, off int64) (int, error) {
	return fi.f.ReadAt(p, off)
}

// Size implements Image.
func (fi *FileImage) Size() int64 { return fi.size }

// Close releases the underlying file handle.
func (fi *FileImage) Close() error { return fi.f.Close() }
