package unpack

import (
	"fmt"
	"strings"

	"github.com/golang/glog"

	"github.com/unmstar/unmstar/pkg/script"
)

// Range of bytes in the source image.
type Range struct {
	Offset uint64
	Size   uint64
}

type Op int

const (
	// OpStore copies the range into File, truncating it.
	OpStore Op = iota
	// OpAppend appends the range to File.
	OpAppend
	// OpSparseSegment copies the range into sparse segment File, to be
	// merged into the partition image after the script has run.
	OpSparseSegment
	// OpUnlzo decompresses the range into File.
	OpUnlzo
	// OpUnlzoChunk decompresses the range and appends it to File.
	OpUnlzoChunk
)

func (o Op) String() string {
	switch o {
	case OpStore:
		return "store"
	case OpAppend:
		return "append"
	case OpSparseSegment:
		return "sparse"
	case OpUnlzo:
		return "unlzo"
	case OpUnlzoChunk:
		return "unlzo-chunk"
	}
	return "UNKNOWN"
}

// Action is the side effect of a single data command.
type Action struct {
	Op        Op
	Partition string
	// File name within the output directory.
	File string
	Range
	// Seq is the sparse segment or lzo chunk number, starting at 1.
	Seq int
}

func (a *Action) String() string {
	s := fmt.Sprintf("%s %s: 0x%x+0x%x -> %s", a.Op, a.Partition, a.Offset, a.Size, a.File)
	if a.Seq != 0 {
		s += fmt.Sprintf(" (#%d)", a.Seq)
	}
	return s
}

// State carried between script lines.
type State struct {
	Env *script.Env
	// Pending is the range set by the last filepartload, nil before the
	// first one.
	Pending *Range
	// Chunks counts unlzo.continue commands per partition.
	Chunks map[string]int
	// Segments counts sparse_write commands per partition.
	Segments map[string]int
	// Sparse lists partitions written with sparse_write, in order of first
	// appearance.
	Sparse []string
}

func NewState() *State {
	return &State{
		Env:      script.NewEnv(),
		Chunks:   make(map[string]int),
		Segments: make(map[string]int),
	}
}

// Line runs a single script line: variables are expanded (except in setenv),
// the line is parsed and then stepped. It returns a nil Action for lines with
// no side effects outside of State.
func (s *State) Line(text string) (*Action, error) {
	if kw := script.Keyword(text); kw != "" && kw != "setenv" {
		expanded, unresolved := s.Env.Expand(text)
		for _, key := range unresolved {
			glog.Warningf("Variable %q is not set, leaving reference as is", key)
		}
		text = expanded
	}
	cmd, err := script.Parse(text)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, nil
	}
	return Step(s, cmd)
}

// Step applies cmd to s, returning the Action it implies, if any.
func Step(s *State, cmd script.Command) (*Action, error) {
	switch c := cmd.(type) {
	case script.SetEnv:
		if c.Unset {
			s.Env.Unset(c.Key)
		} else {
			s.Env.Set(c.Key, c.Value)
		}
		return nil, nil
	case script.FilePartLoad:
		s.Pending = &Range{Offset: c.Offset, Size: c.Size}
		return nil, nil
	case script.Mmc:
		if !c.Action.Known() {
			glog.V(1).Infof("Ignoring mmc %s", c.Action)
			return nil, nil
		}
	}

	if s.Pending == nil {
		return nil, ErrNoPendingRange
	}
	a := &Action{
		Range: *s.Pending,
	}

	switch c := cmd.(type) {
	case script.StoreSecureInfo:
		a.Op, a.Partition, a.File = OpStore, c.Name, c.Name
	case script.StoreNuttxConfig:
		a.Op, a.Partition, a.File = OpStore, c.Name, c.Name
	case script.SparseWrite:
		if s.Segments[c.Name] == 0 {
			s.Sparse = append(s.Sparse, c.Name)
		}
		s.Segments[c.Name]++
		a.Op, a.Partition, a.Seq = OpSparseSegment, c.Name, s.Segments[c.Name]
		a.File = segmentName(c.Name, a.Seq)
	case script.Mmc:
		a.Partition = c.Name
		a.File = c.Name + ".img"
		switch c.Action {
		case script.MmcWriteBoot:
			a.Op = OpStore
			a.File = fmt.Sprintf("%s%d.img", c.Name, c.BootIndex)
		case script.MmcWriteP:
			a.Op = OpStore
		case script.MmcWritePContinue:
			a.Op = OpAppend
		case script.MmcUnlzo:
			a.Op = OpUnlzo
		case script.MmcUnlzoContinue:
			s.Chunks[c.Name]++
			a.Op, a.Seq = OpUnlzoChunk, s.Chunks[c.Name]
		}
	default:
		return nil, fmt.Errorf("unhandled command %s", cmd.Kind())
	}
	return a, nil
}

// Lines splits a script into lines. Both \n and \r\n line endings are
// accepted.
func Lines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

// Plan runs the whole script against a fresh State without touching any files,
// returning the actions it would perform and all per-line errors.
func Plan(text string) ([]*Action, *State, []error) {
	s := NewState()
	var actions []*Action
	var errs []error
	for i, line := range Lines(text) {
		a, err := s.Line(line)
		if err != nil {
			errs = append(errs, &LineError{Line: i + 1, Text: line, Err: err})
			continue
		}
		if a != nil {
			actions = append(actions, a)
		}
	}
	return actions, s, errs
}
