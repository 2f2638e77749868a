// Package partio copies byte ranges out of firmware images into partition
// files.
package partio

import (
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
)

// RangeError is returned when a requested range doesn't fit in the source.
type RangeError struct {
	Offset uint64
	Size   uint64
	Limit  uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range 0x%x+0x%x exceeds source length 0x%x", e.Offset, e.Size, e.Limit)
}

// CopyRange copies size bytes at offset in src into dst. If appendTo is false,
// dst is truncated first, otherwise the bytes are appended to it. dst is
// created if it doesn't exist, even when size is zero.
//
// The range is checked against the source length before dst is touched.
func CopyRange(src, dst string, offset, size uint64, appendTo bool) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("could not open source: %w", err)
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return fmt.Errorf("could not stat source: %w", err)
	}
	limit := uint64(st.Size())
	if offset > limit || size > limit-offset {
		return &RangeError{Offset: offset, Size: size, Limit: limit}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendTo {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(dst, flags, 0644)
	if err != nil {
		return fmt.Errorf("could not open destination: %w", err)
	}

	n, err := io.Copy(out, io.NewSectionReader(in, int64(offset), int64(size)))
	if err != nil {
		out.Close()
		return fmt.Errorf("could not copy range: %w", err)
	}
	if uint64(n) != size {
		out.Close()
		return fmt.Errorf("short copy: %d of %d bytes", n, size)
	}
	glog.V(2).Infof("Copied 0x%x+0x%x from %s to %s (append: %v)", offset, size, src, dst, appendTo)
	return out.Close()
}

// AppendFile appends the contents of src to dst, creating dst if needed. It
// returns the number of bytes appended.
func AppendFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("could not open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("could not open destination: %w", err)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("could not append: %w", err)
	}
	return n, out.Close()
}
