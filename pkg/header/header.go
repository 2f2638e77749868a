// Package header locates the flashing script embedded at the start of an MStar
// style firmware image.
//
// The first 16KiB of such an image is a plain text script understood by the
// bootloader, followed by 0xff padding up to the end of the block. Partition
// payloads start right after the header block, at offsets that are only known
// by running the script.
package header

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
	"golang.org/x/text/encoding/charmap"
)

// Size of the header block at the beginning of every image.
const Size = 0x4000

// Sentinel terminating the script. Everything from it onwards is padding.
const Sentinel byte = 0xff

var (
	ErrScriptNotFound = errors.New("header script not found")
)

type Header struct {
	// Raw header block, exactly as read from the image.
	Raw []byte
	// Script text, decoded as ISO-8859-1. Empty if no sentinel was found.
	Script string
}

// Read the header block from r. A header without a sentinel is still returned
// (so that it can be saved), together with ErrScriptNotFound.
func Read(r io.ReaderAt, size int) (*Header, error) {
	raw := make([]byte, size)
	n, err := r.ReadAt(raw, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == size) {
		return nil, fmt.Errorf("could not read %d byte header: %w", size, err)
	}

	h := &Header{
		Raw: raw,
	}
	end := bytes.IndexByte(raw, Sentinel)
	if end == -1 {
		return h, ErrScriptNotFound
	}

	script, err := decode(raw[:end])
	if err != nil {
		return h, fmt.Errorf("could not decode header script: %w", err)
	}
	h.Script = script
	glog.V(1).Infof("Header script is %d bytes long", end)
	return h, nil
}

// ReadFile opens path and reads its header block.
func ReadFile(path string, size int) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, size)
}

// decode the script prefix one byte per character. The script is nominally
// ASCII, but stray high bytes must not fail the decode.
func decode(b []byte) (string, error) {
	res, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(res), nil
}
