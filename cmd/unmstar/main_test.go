package main

import (
	"path/filepath"
	"testing"
)

func TestParseNumber(t *testing.T) {
	for _, te := range []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x4000", 0x4000, false},
		{"0X4000", 0x4000, false},
		{"16384", 16384, false},
		{"4000a", 0x4000a, false},
		{"0x", 0, true},
		{"zz", 0, true},
	} {
		got, err := parseNumber(te.in)
		if (err != nil) != te.wantErr {
			t.Errorf("parseNumber(%q): err %v", te.in, err)
			continue
		}
		if got != te.want {
			t.Errorf("parseNumber(%q): got 0x%x, want 0x%x", te.in, got, te.want)
		}
	}
}

func TestExecuteFails(t *testing.T) {
	dir := t.TempDir()
	for _, args := range [][]string{
		{"extract", filepath.Join(dir, "missing.bin"), filepath.Join(dir, "out")},
		{"extract", "--header-size", "zz", filepath.Join(dir, "missing.bin")},
		{"decompress", filepath.Join(dir, "missing.lzo")},
	} {
		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err == nil {
			t.Errorf("%v: Execute succeeded", args)
		}
	}
}
