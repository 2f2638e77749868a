package sparse

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

const bs = 4096

// testImage builds a raw image with a mix of random, zero and patterned
// blocks.
func testImage(blocks int) []byte {
	rng := rand.New(rand.NewSource(1))
	raw := make([]byte, blocks*bs)
	for b := 0; b < blocks; b++ {
		block := raw[b*bs : (b+1)*bs]
		switch b % 5 {
		case 0, 1:
			rng.Read(block)
		case 2:
			// zero
		case 3:
			for i := 0; i < bs; i += 4 {
				copy(block[i:], []byte{0xde, 0xad, 0xbe, 0xef})
			}
		case 4:
			for i := range block {
				block[i] = 0xff
			}
		}
	}
	return raw
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoopback(t *testing.T) {
	raw := testImage(23)
	var buf bytes.Buffer
	if err := Encode(&buf, raw, bs); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.Len() >= len(raw) {
		t.Errorf("sparse image (%d bytes) not smaller than raw (%d bytes)", buf.Len(), len(raw))
	}

	dir := t.TempDir()
	seg := writeFile(t, dir, "img_sparse.1", buf.Bytes())
	out := filepath.Join(dir, "img.img")
	n, err := DecodeFiles(context.Background(), out, []string{seg})
	if err != nil {
		t.Fatalf("DecodeFiles: %v", err)
	}
	if n != int64(len(raw)) {
		t.Errorf("decoded length %d, want %d", n, len(raw))
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, raw) {
		t.Fatalf("decoded image differs from original")
	}
}

func TestSegments(t *testing.T) {
	raw := testImage(30)
	dir := t.TempDir()

	// Split into three unequal segments.
	bounds := []int{0, 7 * bs, 12 * bs, 30 * bs}
	var segs []string
	for i := 0; i < len(bounds)-1; i++ {
		var buf bytes.Buffer
		if err := Encode(&buf, raw[bounds[i]:bounds[i+1]], bs); err != nil {
			t.Fatalf("Encode segment %d: %v", i, err)
		}
		segs = append(segs, writeFile(t, dir, "system_sparse."+string(rune('1'+i)), buf.Bytes()))
	}

	out := filepath.Join(dir, "system.img")
	if _, err := DecodeFiles(context.Background(), out, segs); err != nil {
		t.Fatalf("DecodeFiles: %v", err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, raw) {
		t.Fatalf("reassembled image differs from original")
	}

	// Out of order segments must not reproduce the image.
	if _, err := DecodeFiles(context.Background(), out, []string{segs[1], segs[0], segs[2]}); err != nil {
		t.Fatalf("DecodeFiles: %v", err)
	}
	got, _ = os.ReadFile(out)
	if bytes.Equal(got, raw) {
		t.Fatalf("reordered segments reproduced the image")
	}
}

func TestTrailingDontCare(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriter(&buf, bs)
	s.Fill([4]byte{1, 2, 3, 4}, 1)
	s.DontCare(3)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dir := t.TempDir()
	seg := writeFile(t, dir, "a_sparse.1", buf.Bytes())
	out := filepath.Join(dir, "a.img")
	n, err := DecodeFiles(context.Background(), out, []string{seg})
	if err != nil {
		t.Fatalf("DecodeFiles: %v", err)
	}
	if n != 4*bs {
		t.Fatalf("length %d, want %d", n, 4*bs)
	}
	got, _ := os.ReadFile(out)
	want := append(bytes.Repeat([]byte{1, 2, 3, 4}, bs/4), make([]byte, 3*bs)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("wrong output")
	}
}

func TestLargerHeaders(t *testing.T) {
	// v1.0 images with padded file and chunk headers must still decode.
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &Header{
		Magic:           Magic,
		MajorVersion:    1,
		FileHeaderSize:  32,
		ChunkHeaderSize: 16,
		BlockSize:       bs,
		TotalBlocks:     1,
		TotalChunks:     1,
	})
	buf.Write(make([]byte, 4))
	binary.Write(&buf, binary.LittleEndian, &ChunkHeader{
		Type:      ChunkFill,
		Blocks:    1,
		TotalSize: 16 + 4,
	})
	buf.Write(make([]byte, 4))
	buf.Write([]byte{0xaa, 0xbb, 0xcc, 0xdd})

	out := &memWriterAt{}
	n, err := Unsparse(context.Background(), out, 0, &buf)
	if err != nil {
		t.Fatalf("Unsparse: %v", err)
	}
	if n != bs || !bytes.Equal(out.buf, bytes.Repeat([]byte{0xaa, 0xbb, 0xcc, 0xdd}, bs/4)) {
		t.Fatalf("wrong output")
	}
}

func TestMalformed(t *testing.T) {
	var good bytes.Buffer
	if err := Encode(&good, testImage(4), bs); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	badMagic := append([]byte{}, good.Bytes()...)
	badMagic[0] ^= 0xff

	badType := append([]byte{}, good.Bytes()...)
	// First chunk header starts right after the file header.
	binary.LittleEndian.PutUint16(badType[fileHeaderSize:], 0xcaff)

	for _, te := range []struct {
		name string
		data []byte
	}{
		{"magic", badMagic},
		{"chunk type", badType},
		{"truncated", good.Bytes()[:good.Len()-100]},
		{"empty", nil},
	} {
		t.Run(te.name, func(t *testing.T) {
			_, err := Unsparse(context.Background(), &memWriterAt{}, 0, bytes.NewReader(te.data))
			if err == nil {
				t.Fatalf("Unsparse succeeded on malformed input")
			}
		})
	}

	_, err := Unsparse(context.Background(), &memWriterAt{}, 0, bytes.NewReader(badMagic))
	if !errors.Is(err, ErrNotSparse) {
		t.Errorf("bad magic: got %v, want ErrNotSparse", err)
	}
}

func TestCancel(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, testImage(10), bs); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Unsparse(ctx, &memWriterAt{}, 0, &buf)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

type memWriterAt struct {
	buf []byte
}

func (m *memWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[off:], p)
	return len(p), nil
}
