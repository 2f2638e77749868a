package header

import (
	"bytes"
	"errors"
	"testing"
)

func block(script []byte) []byte {
	raw := bytes.Repeat([]byte{Sentinel}, Size)
	copy(raw, script)
	return raw
}

func TestRead(t *testing.T) {
	for _, te := range []struct {
		name    string
		raw     []byte
		want    string
		wantErr error
	}{
		{"ascii", block([]byte("setenv a b\nfilepartload 0x0 x 0x4000 0x10\n")), "setenv a b\nfilepartload 0x0 x 0x4000 0x10\n", nil},
		{"empty", block(nil), "", nil},
		{"high bytes", block([]byte{'a', 0xe9, 'b'}), "aéb", nil},
		{"no sentinel", bytes.Repeat([]byte{'x'}, Size), "", ErrScriptNotFound},
	} {
		t.Run(te.name, func(t *testing.T) {
			image := append(te.raw, bytes.Repeat([]byte{0xaa}, 128)...)
			h, err := Read(bytes.NewReader(image), Size)
			if !errors.Is(err, te.wantErr) {
				t.Fatalf("Read: got error %v, want %v", err, te.wantErr)
			}
			if h == nil {
				t.Fatalf("Read returned nil header")
			}
			if h.Script != te.want {
				t.Errorf("Script: got %q, want %q", h.Script, te.want)
			}
			if !bytes.Equal(h.Raw, te.raw) {
				t.Errorf("Raw header differs from image prefix")
			}
		})
	}
}

func TestReadExactSize(t *testing.T) {
	h, err := Read(bytes.NewReader(block([]byte("mmc write.p"))), Size)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if h.Script != "mmc write.p" {
		t.Errorf("Script: got %q", h.Script)
	}
}

func TestReadShort(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte("setenv\xff")), Size); err == nil {
		t.Fatalf("Read of truncated header should fail")
	}
}
