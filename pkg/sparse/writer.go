package sparse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

type chunk struct {
	header ChunkHeader
	body   []byte
}

// Writer builds a sparse image chunk by chunk. Nothing is written to the
// underlying writer until Close, since the header carries chunk and block
// counts.
type Writer struct {
	w         io.Writer
	blockSize uint32
	blocks    uint32
	chunks    []chunk
}

func NewWriter(w io.Writer, blockSize uint32) *Writer {
	return &Writer{
		w:         w,
		blockSize: blockSize,
	}
}

func (s *Writer) add(t ChunkType, blocks uint32, body []byte) {
	s.chunks = append(s.chunks, chunk{
		header: ChunkHeader{
			Type:      t,
			Blocks:    blocks,
			TotalSize: uint32(chunkHeaderSize + len(body)),
		},
		body: body,
	})
	s.blocks += blocks
}

// Raw adds a raw chunk. data must be a whole number of blocks.
func (s *Writer) Raw(data []byte) error {
	if len(data)%int(s.blockSize) != 0 {
		return fmt.Errorf("raw data (%d bytes) not a multiple of block size %d", len(data), s.blockSize)
	}
	s.add(ChunkRaw, uint32(len(data))/s.blockSize, data)
	return nil
}

func (s *Writer) Fill(pattern [4]byte, blocks uint32) {
	s.add(ChunkFill, blocks, pattern[:])
}

func (s *Writer) DontCare(blocks uint32) {
	s.add(ChunkDontCare, blocks, nil)
}

func (s *Writer) CRC32(sum uint32) {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, sum)
	s.add(ChunkCRC32, 0, body)
}

// Close writes out the header and all chunks.
func (s *Writer) Close() error {
	hdr := Header{
		Magic:           Magic,
		MajorVersion:    MajorVersion,
		FileHeaderSize:  fileHeaderSize,
		ChunkHeaderSize: chunkHeaderSize,
		BlockSize:       s.blockSize,
		TotalBlocks:     s.blocks,
		TotalChunks:     uint32(len(s.chunks)),
	}
	if err := binary.Write(s.w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("could not write header: %w", err)
	}
	for i, c := range s.chunks {
		if err := binary.Write(s.w, binary.LittleEndian, &c.header); err != nil {
			return fmt.Errorf("could not write chunk %d header: %w", i, err)
		}
		if _, err := s.w.Write(c.body); err != nil {
			return fmt.Errorf("could not write chunk %d: %w", i, err)
		}
	}
	return nil
}

// Encode raw as a sparse image. Zero blocks become don't-care chunks, blocks
// made of a single repeated 32-bit word become fill chunks, and a CRC32 chunk
// of the whole image is appended.
func Encode(w io.Writer, raw []byte, blockSize uint32) error {
	bs := int(blockSize)
	if bs == 0 || bs%4 != 0 || len(raw)%bs != 0 {
		return fmt.Errorf("image length %d not a multiple of block size %d", len(raw), blockSize)
	}
	s := NewWriter(w, blockSize)

	var (
		kind    ChunkType
		start   int
		pattern [4]byte
	)
	flush := func(end int) error {
		if end == start {
			return nil
		}
		blocks := uint32((end - start) / bs)
		switch kind {
		case ChunkRaw:
			return s.Raw(raw[start:end])
		case ChunkFill:
			s.Fill(pattern, blocks)
		case ChunkDontCare:
			s.DontCare(blocks)
		}
		return nil
	}

	for off := 0; off < len(raw); off += bs {
		block := raw[off : off+bs]
		k, p := classify(block)
		if off == start || k != kind || (k == ChunkFill && p != pattern) {
			if err := flush(off); err != nil {
				return err
			}
			kind, pattern, start = k, p, off
		}
	}
	if err := flush(len(raw)); err != nil {
		return err
	}
	s.CRC32(crc32.ChecksumIEEE(raw))
	return s.Close()
}

func classify(block []byte) (ChunkType, [4]byte) {
	var p [4]byte
	copy(p[:], block)
	if !bytes.Equal(block, bytes.Repeat(p[:], len(block)/4)) {
		return ChunkRaw, p
	}
	if p == [4]byte{} {
		return ChunkDontCare, p
	}
	return ChunkFill, p
}
