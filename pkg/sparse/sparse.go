// Package sparse implements decoding (and, for fixtures and tooling, encoding)
// of android sparse images.
//
// A sparse image is a file header followed by a list of chunks, each of which
// describes a run of output blocks: raw data, a repeated 32-bit fill pattern,
// a run of blocks whose contents don't matter, or a CRC32 of the data so far.
//
// Reference: system/core/libsparse/sparse_format.h in AOSP.
package sparse

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
)

const (
	Magic            uint32 = 0xed26ff3a
	MajorVersion     uint16 = 1
	DefaultBlockSize uint32 = 4096

	fileHeaderSize  = 28
	chunkHeaderSize = 12
)

type ChunkType uint16

const (
	ChunkRaw      ChunkType = 0xcac1
	ChunkFill     ChunkType = 0xcac2
	ChunkDontCare ChunkType = 0xcac3
	ChunkCRC32    ChunkType = 0xcac4
)

func (c ChunkType) String() string {
	switch c {
	case ChunkRaw:
		return "raw"
	case ChunkFill:
		return "fill"
	case ChunkDontCare:
		return "dont-care"
	case ChunkCRC32:
		return "crc32"
	}
	return fmt.Sprintf("unknown(%04x)", uint16(c))
}

// Header is the sparse file header, little endian on disk.
type Header struct {
	Magic        uint32
	MajorVersion uint16
	MinorVersion uint16
	// Size of this header, 28 bytes in v1.0. Larger headers are skipped over.
	FileHeaderSize uint16
	// Size of each chunk header, 12 bytes in v1.0.
	ChunkHeaderSize uint16
	BlockSize       uint32
	TotalBlocks     uint32
	TotalChunks     uint32
	// Unused by the decoder.
	ImageChecksum uint32
}

type ChunkHeader struct {
	Type     ChunkType
	Reserved uint16
	// Output size of the chunk, in blocks.
	Blocks uint32
	// Size of the chunk in the sparse file, including the chunk header.
	TotalSize uint32
}

var (
	ErrNotSparse = errors.New("not an android sparse image")
)

func (h *Header) check() error {
	if h.Magic != Magic {
		return ErrNotSparse
	}
	if h.MajorVersion != MajorVersion {
		return fmt.Errorf("unsupported major version %d", h.MajorVersion)
	}
	if h.FileHeaderSize < fileHeaderSize {
		return fmt.Errorf("file header too small (%d)", h.FileHeaderSize)
	}
	if h.ChunkHeaderSize < chunkHeaderSize {
		return fmt.Errorf("chunk header too small (%d)", h.ChunkHeaderSize)
	}
	if h.BlockSize == 0 || h.BlockSize%4 != 0 {
		return fmt.Errorf("invalid block size %d", h.BlockSize)
	}
	return nil
}

// Length of the decoded image in bytes.
func (h *Header) Length() int64 {
	return int64(h.TotalBlocks) * int64(h.BlockSize)
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

// Unsparse decodes one sparse image read from r into w, placing the first
// output block at base. Don't-care chunks are skipped without writing. It
// returns the decoded image length.
func Unsparse(ctx context.Context, w io.WriterAt, base int64, r io.Reader) (int64, error) {
	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, fmt.Errorf("failed to read header: %w", err)
	}
	if err := hdr.check(); err != nil {
		return 0, err
	}
	if err := skip(r, int64(hdr.FileHeaderSize)-fileHeaderSize); err != nil {
		return 0, fmt.Errorf("failed to skip header: %w", err)
	}
	glog.V(1).Infof("Sparse image: v%d.%d, %d blocks of %d bytes in %d chunks", hdr.MajorVersion, hdr.MinorVersion, hdr.TotalBlocks, hdr.BlockSize, hdr.TotalChunks)

	bs := int64(hdr.BlockSize)
	extra := int64(hdr.ChunkHeaderSize) - chunkHeaderSize
	var block int64
	for i := uint32(0); i < hdr.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		var ch ChunkHeader
		if err := binary.Read(r, binary.LittleEndian, &ch); err != nil {
			return 0, fmt.Errorf("chunk %d: failed to read header: %w", i, err)
		}
		if err := skip(r, extra); err != nil {
			return 0, fmt.Errorf("chunk %d: failed to skip header: %w", i, err)
		}
		body := int64(ch.TotalSize) - int64(hdr.ChunkHeaderSize)
		out := int64(ch.Blocks) * bs
		if block+int64(ch.Blocks) > int64(hdr.TotalBlocks) {
			return 0, fmt.Errorf("chunk %d: runs past end of image (%d blocks)", i, hdr.TotalBlocks)
		}
		ow := io.NewOffsetWriter(w, base+block*bs)

		switch ch.Type {
		case ChunkRaw:
			if body != out {
				return 0, fmt.Errorf("chunk %d: raw chunk size %d, want %d", i, body, out)
			}
			if _, err := io.CopyN(ow, r, out); err != nil {
				return 0, fmt.Errorf("chunk %d: copying raw data failed: %w", i, err)
			}
		case ChunkFill:
			if body != 4 {
				return 0, fmt.Errorf("chunk %d: fill chunk body is %d bytes, want 4", i, body)
			}
			var pattern [4]byte
			if _, err := io.ReadFull(r, pattern[:]); err != nil {
				return 0, fmt.Errorf("chunk %d: failed to read fill pattern: %w", i, err)
			}
			if err := fill(ow, pattern, out); err != nil {
				return 0, fmt.Errorf("chunk %d: fill failed: %w", i, err)
			}
		case ChunkDontCare:
			if body != 0 {
				return 0, fmt.Errorf("chunk %d: don't care chunk has %d byte body", i, body)
			}
		case ChunkCRC32:
			if body != 4 {
				return 0, fmt.Errorf("chunk %d: crc32 chunk body is %d bytes, want 4", i, body)
			}
			if err := skip(r, 4); err != nil {
				return 0, fmt.Errorf("chunk %d: failed to read crc32: %w", i, err)
			}
		default:
			return 0, fmt.Errorf("chunk %d: unknown chunk type %s", i, ch.Type)
		}
		glog.V(2).Infof("Chunk %d: %s, %d blocks at block %d", i, ch.Type, ch.Blocks, block)
		block += int64(ch.Blocks)
	}
	if block != int64(hdr.TotalBlocks) {
		return 0, fmt.Errorf("chunks cover %d blocks, header says %d", block, hdr.TotalBlocks)
	}
	return hdr.Length(), nil
}

func fill(w io.Writer, pattern [4]byte, n int64) error {
	buf := make([]byte, 64<<10)
	for i := 0; i < len(buf); i += 4 {
		copy(buf[i:], pattern[:])
	}
	for n > 0 {
		chunk := int64(len(buf))
		if n < chunk {
			chunk = n
		}
		if _, err := w.Write(buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// DecodeFiles decodes the given sparse segments, in order, into a single raw
// image at out. Each segment's output follows the previous one's. It returns
// the length of the resulting image.
func DecodeFiles(ctx context.Context, out string, segments []string) (int64, error) {
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("could not create output: %w", err)
	}

	var base int64
	for _, seg := range segments {
		n, err := decodeFile(ctx, f, base, seg)
		if err != nil {
			f.Close()
			return base, fmt.Errorf("%s: %w", seg, err)
		}
		base += n
	}
	// Trailing don't-care blocks still count towards the image length.
	if err := f.Truncate(base); err != nil {
		f.Close()
		return base, fmt.Errorf("could not extend output: %w", err)
	}
	return base, f.Close()
}

func decodeFile(ctx context.Context, w io.WriterAt, base int64, path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return Unsparse(ctx, w, base, in)
}
