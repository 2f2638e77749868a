package unpack

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStepNoPendingRange(t *testing.T) {
	for _, line := range []string{
		"store_secure_info secinfo 0x20200000",
		"store_nuttx_config nuttx_config 0x20200000",
		"sparse_write mmc 0x20200000 system 0x1000",
		"mmc write.boot 1 0x20200000 0 0x1000",
		"mmc write.p 0x20200000 boot 0x1000 1",
		"mmc write.p.continue 0x20200000 boot 0x1000 1",
		"mmc unlzo 0x20200000 0x1000 system 1",
		"mmc unlzo.continue 0x20200000 0x1000 system 1",
	} {
		s := NewState()
		a, err := s.Line(line)
		if !errors.Is(err, ErrNoPendingRange) {
			t.Errorf("%q: got %v, %v, want ErrNoPendingRange", line, a, err)
		}
		if len(s.Chunks) != 0 || len(s.Segments) != 0 || len(s.Sparse) != 0 {
			t.Errorf("%q: state changed on error", line)
		}
	}
}

func TestStepIgnoresUnknownMmc(t *testing.T) {
	s := NewState()
	for _, line := range []string{
		"mmc erase.p system",
		"mmc create system 0x1000",
		"mmc rmgpt",
	} {
		a, err := s.Line(line)
		if a != nil || err != nil {
			t.Errorf("%q: got %v, %v, want nil, nil", line, a, err)
		}
	}
}

func TestPlan(t *testing.T) {
	script := `# test image
setenv base 0x10000
setenv chunk 0x1000
filepartload 0x20200000 MstarUpgrade.bin $(base) ${chunk}
store_secure_info secinfo 0x20200000
filepartload 0x20200000 MstarUpgrade.bin 0x11000 0x200
mmc write.boot 1 0x20200000 0 0x200
mmc write.p 0x20200000 boot 0x200 1
filepartload 0x20200000 MstarUpgrade.bin 0x12000 0x300
mmc write.p.continue 0x20200000 boot 0x300 1
mmc erase.p system
sparse_write mmc 0x20200000 system 0x300
sparse_write mmc 0x20200000 system 0x300
mmc unlzo.continue 0x20200000 0x300 vendor 1
mmc unlzo.continue 0x20200000 0x300 vendor 1
`
	actions, s, errs := Plan(script)
	if len(errs) != 0 {
		t.Fatalf("Plan errors: %v", errs)
	}
	want := []*Action{
		{Op: OpStore, Partition: "secinfo", File: "secinfo", Range: Range{0x10000, 0x1000}},
		{Op: OpStore, Partition: "sboot", File: "sboot1.img", Range: Range{0x11000, 0x200}},
		{Op: OpStore, Partition: "boot", File: "boot.img", Range: Range{0x11000, 0x200}},
		{Op: OpAppend, Partition: "boot", File: "boot.img", Range: Range{0x12000, 0x300}},
		{Op: OpSparseSegment, Partition: "system", File: "system_sparse.1", Range: Range{0x12000, 0x300}, Seq: 1},
		{Op: OpSparseSegment, Partition: "system", File: "system_sparse.2", Range: Range{0x12000, 0x300}, Seq: 2},
		{Op: OpUnlzoChunk, Partition: "vendor", File: "vendor.img", Range: Range{0x12000, 0x300}, Seq: 1},
		{Op: OpUnlzoChunk, Partition: "vendor", File: "vendor.img", Range: Range{0x12000, 0x300}, Seq: 2},
	}
	if diff := cmp.Diff(want, actions); diff != "" {
		t.Errorf("actions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"system"}, s.Sparse); diff != "" {
		t.Errorf("sparse partitions (-want +got):\n%s", diff)
	}
	if got, _ := s.Env.Get("base"); got != "0x10000" {
		t.Errorf("base = %q", got)
	}
}

func TestPlanErrorsContinue(t *testing.T) {
	script := "store_secure_info secinfo\r\nfilepartload offset=0x0 size=zz\r\nfilepartload offset=0x0 size=0x10\r\nstore_secure_info secinfo\r\n"
	actions, _, errs := Plan(script)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	var le *LineError
	if !errors.As(errs[0], &le) || le.Line != 1 || !errors.Is(le, ErrNoPendingRange) {
		t.Errorf("first error: %v", errs[0])
	}
	if !errors.As(errs[1], &le) || le.Line != 2 {
		t.Errorf("second error: %v", errs[1])
	}
	if len(actions) != 1 || actions[0].Size != 0x10 {
		t.Errorf("actions: %v", actions)
	}
}

func TestFilePartLoadOverwrites(t *testing.T) {
	s := NewState()
	for _, line := range []string{
		"filepartload offset=0x100 size=0x10",
		"filepartload offset=0x200 size=0x20",
	} {
		if _, err := s.Line(line); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}
	if diff := cmp.Diff(&Range{Offset: 0x200, Size: 0x20}, s.Pending); diff != "" {
		t.Errorf("pending (-want +got):\n%s", diff)
	}
}

func TestSetEnvNotExpanded(t *testing.T) {
	s := NewState()
	for _, line := range []string{
		"setenv a 1",
		"setenv b $(a)",
	} {
		if _, err := s.Line(line); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}
	if got, _ := s.Env.Get("b"); got != "$(a)" {
		t.Errorf("b = %q, want literal $(a)", got)
	}
}

func TestLines(t *testing.T) {
	got := Lines("a\r\nb\rc\n\nd\n")
	if diff := cmp.Diff([]string{"a", "b", "c", "", "d"}, got); diff != "" {
		t.Errorf("Lines (-want +got):\n%s", diff)
	}
}
