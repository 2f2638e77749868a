// Package compression decompresses the payloads of unlzo commands.
//
// MStar tools pack these as lzop files, but some vendors substitute xz or raw
// lzma streams while keeping the command name. The format is detected from the
// leading magic bytes.
package compression

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

type Format int

const (
	Unknown Format = iota
	LZOP
	XZ
	LZMA
)

func (f Format) String() string {
	switch f {
	case LZOP:
		return "lzop"
	case XZ:
		return "xz"
	case LZMA:
		return "lzma"
	}
	return "unknown"
}

const (
	lzopMagic = "\x89LZO\x00\r\n\x1a\n"
	xzMagic   = "\xfd7zXZ\x00"
)

// sniffLen is the number of leading bytes needed by Sniff.
const sniffLen = 13

var (
	ErrUnknownFormat = errors.New("unknown compression format")
)

// Sniff guesses the format of a stream from its first bytes.
func Sniff(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, []byte(lzopMagic)):
		return LZOP
	case bytes.HasPrefix(head, []byte(xzMagic)):
		return XZ
	case len(head) >= sniffLen && bytes.HasPrefix(head, []byte{0x5d, 0x00, 0x00}) && (head[12] == 0xff || head[12] == 0x00):
		// .lzma: properties 0x5d, dictionary size, then a 64 bit length which
		// is either unknown (all ones) or small enough for the top byte to be
		// zero.
		return LZMA
	}
	return Unknown
}

// Decompress the stream in r into w, returning the number of bytes written.
func Decompress(w io.Writer, r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("could not read magic: %w", err)
	}

	format := Sniff(head)
	glog.V(1).Infof("Decompressing %s stream", format)
	switch format {
	case LZOP:
		return decodeLZOP(w, br)
	case XZ:
		xr, err := xz.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("invalid xz stream: %w", err)
		}
		return io.Copy(w, xr)
	case LZMA:
		lr, err := lzma.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("invalid lzma stream: %w", err)
		}
		return io.Copy(w, lr)
	}
	return 0, ErrUnknownFormat
}

// DecompressFile decompresses in into out. out is truncated first.
func DecompressFile(in, out string) (int64, error) {
	f, err := os.Open(in)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	o, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(o)
	n, err := Decompress(bw, f)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		o.Close()
		return n, err
	}
	return n, o.Close()
}
