package compression

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/glog"
	lzo "github.com/rasky/go-lzo"
)

// lzop header flags.
const (
	flagAdler32D   = 0x0001
	flagAdler32C   = 0x0002
	flagExtraField = 0x0040
	flagCRC32D     = 0x0100
	flagCRC32C     = 0x0200
	flagFilter     = 0x0800
)

// lzop compression methods, all of which produce LZO1X streams.
const (
	methodLZO1X1   = 1
	methodLZO1X115 = 2
	methodLZO1X999 = 3
)

// lzop version from which on the header carries the extra version, level and
// mtime fields.
const lzopVersionExtended = 0x0940

// Upper bound of a single block, as enforced by lzop itself.
const maxBlockSize = 64 << 20

type lzopHeader struct {
	Version uint16
	Method  uint8
	Flags   uint32
	Name    string
}

type byteReader struct {
	r   io.Reader
	err error
}

func (b *byteReader) read(v any) {
	if b.err != nil {
		return
	}
	b.err = binary.Read(b.r, binary.BigEndian, v)
}

func (b *byteReader) u8() uint8 {
	var v uint8
	b.read(&v)
	return v
}

func (b *byteReader) u16() uint16 {
	var v uint16
	b.read(&v)
	return v
}

func (b *byteReader) u32() uint32 {
	var v uint32
	b.read(&v)
	return v
}

func (b *byteReader) skip(n int64) {
	if b.err != nil || n == 0 {
		return
	}
	_, b.err = io.CopyN(io.Discard, b.r, n)
}

func readLZOPHeader(br *byteReader) (*lzopHeader, error) {
	magic := make([]byte, len(lzopMagic))
	br.read(magic)
	if br.err == nil && string(magic) != lzopMagic {
		return nil, fmt.Errorf("not an lzop file")
	}

	var h lzopHeader
	h.Version = br.u16()
	br.u16() // library version
	if h.Version >= lzopVersionExtended {
		br.u16() // version needed to extract
	}
	h.Method = br.u8()
	if h.Version >= lzopVersionExtended {
		br.u8() // level
	}
	h.Flags = br.u32()
	if h.Flags&flagFilter != 0 {
		br.u32()
	}
	br.u32() // mode
	br.u32() // mtime
	if h.Version >= lzopVersionExtended {
		br.u32() // mtime, high bits
	}
	name := make([]byte, br.u8())
	br.read(name)
	h.Name = string(name)
	br.u32() // header checksum
	if h.Flags&flagExtraField != 0 {
		n := br.u32()
		br.skip(int64(n))
		br.u32()
	}
	if br.err != nil {
		return nil, fmt.Errorf("failed to read lzop header: %w", br.err)
	}

	switch h.Method {
	case methodLZO1X1, methodLZO1X115, methodLZO1X999:
	default:
		return nil, fmt.Errorf("unsupported lzop method %d", h.Method)
	}
	return &h, nil
}

// decodeLZOP decompresses an lzop file. Checksums are skipped, not verified.
func decodeLZOP(w io.Writer, r io.Reader) (int64, error) {
	br := &byteReader{r: r}
	h, err := readLZOPHeader(br)
	if err != nil {
		return 0, err
	}
	glog.V(1).Infof("lzop: version %x, method %d, flags %x, name %q", h.Version, h.Method, h.Flags, h.Name)

	var total int64
	for block := 0; ; block++ {
		dstLen := br.u32()
		if br.err != nil {
			return total, fmt.Errorf("block %d: failed to read length: %w", block, br.err)
		}
		if dstLen == 0 {
			return total, nil
		}
		srcLen := br.u32()
		if h.Flags&flagAdler32D != 0 {
			br.u32()
		}
		if h.Flags&flagCRC32D != 0 {
			br.u32()
		}
		if srcLen < dstLen {
			if h.Flags&flagAdler32C != 0 {
				br.u32()
			}
			if h.Flags&flagCRC32C != 0 {
				br.u32()
			}
		}
		if br.err != nil {
			return total, fmt.Errorf("block %d: failed to read header: %w", block, br.err)
		}
		if dstLen > maxBlockSize || srcLen > dstLen {
			return total, fmt.Errorf("block %d: invalid sizes (%d -> %d)", block, srcLen, dstLen)
		}

		src := make([]byte, srcLen)
		if _, err := io.ReadFull(r, src); err != nil {
			return total, fmt.Errorf("block %d: failed to read data: %w", block, err)
		}
		out := src
		if srcLen < dstLen {
			out, err = lzo.Decompress1X(bytes.NewReader(src), int(srcLen), int(dstLen))
			if err != nil {
				return total, fmt.Errorf("block %d: %w", block, err)
			}
			if len(out) != int(dstLen) {
				return total, fmt.Errorf("block %d: decompressed to %d bytes, want %d", block, len(out), dstLen)
			}
		}
		n, err := w.Write(out)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// EncodeLZOP writes data as an lzop file using LZO1X-1 in blocks of blockSize
// bytes. Blocks that don't compress are stored.
func EncodeLZOP(w io.Writer, data []byte, blockSize int) error {
	var hdr bytes.Buffer
	hdr.WriteString(lzopMagic)
	for _, v := range []any{
		uint16(0x1030), // version
		uint16(0x2080), // library version
		uint16(lzopVersionExtended),
		uint8(methodLZO1X1),
		uint8(5),         // level
		uint32(0),        // flags
		uint32(0o100644), // mode
		uint32(0),        // mtime
		uint32(0),        // mtime, high bits
		uint8(0),         // name length
		uint32(0),        // header checksum, not verified on read
	} {
		binary.Write(&hdr, binary.BigEndian, v)
	}
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return err
	}

	for len(data) > 0 {
		n := blockSize
		if n > len(data) {
			n = len(data)
		}
		block := data[:n]
		data = data[n:]

		packed := lzo.Compress1X(block)
		if len(packed) >= len(block) {
			packed = block
		}
		if err := binary.Write(w, binary.BigEndian, []uint32{uint32(len(block)), uint32(len(packed))}); err != nil {
			return err
		}
		if _, err := w.Write(packed); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.BigEndian, uint32(0))
}
