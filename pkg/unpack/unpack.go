// Package unpack runs the header script of an MStar firmware image and
// extracts the partitions it describes.
//
// The script has no partition table. Instead, filepartload sets an offset and
// size within the image, and the data commands that follow (store_secure_info,
// sparse_write, mmc write.p, mmc unlzo, ...) consume that range. Running the
// script in order is the only way to learn where each partition lives.
package unpack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/unmstar/unmstar/pkg/header"
	"github.com/unmstar/unmstar/pkg/partio"
)

const (
	HeaderFile       = "~header"
	HeaderScriptFile = "~header_script"
)

// Phase of a run.
type Phase int

const (
	AwaitingScript Phase = iota
	Running
	Finished
	Failed
)

func (p Phase) String() string {
	switch p {
	case AwaitingScript:
		return "awaiting script"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return "UNKNOWN"
}

// Progress receives coarse progress updates. Step may be called from multiple
// goroutines during the sparse stage.
type Progress interface {
	Stage(name string, total int)
	Step(name string)
}

const (
	StageScript = "script"
	StageSparse = "sparse"
)

type Options struct {
	// Image is the path to the firmware image.
	Image string
	// Output directory, created if needed.
	Output string
	// HeaderSize defaults to header.Size.
	HeaderSize int
	// Concurrency of the sparse stage. Defaults to 1.
	Concurrency int
	// KeepTemp leaves .lzo and sparse segment files in place.
	KeepTemp bool
	// Progress is optional.
	Progress Progress
}

// Result of a run. Partitions are listed in order of first write.
type Result struct {
	Phase      Phase
	Script     string
	Partitions []*Partition
	// Errors has every non-fatal error of the run.
	Errors []error
}

// Err returns all non-fatal errors as a single error, or nil.
func (r *Result) Err() error {
	var errs error
	for _, err := range r.Errors {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// Partition returns the output for the given file name, or nil.
func (r *Result) Partition(file string) *Partition {
	for _, p := range r.Partitions {
		if p.File == file {
			return p
		}
	}
	return nil
}

// Unpacker executes a header script against its image. Each Unpacker is good
// for a single Run.
type Unpacker struct {
	opts   Options
	phase  Phase
	state  *State
	images *imageSet
	errs   []error
	// sparseFailed marks partitions which lost a sparse segment.
	sparseFailed map[string]bool
}

func New(opts Options) *Unpacker {
	if opts.HeaderSize == 0 {
		opts.HeaderSize = header.Size
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Unpacker{
		opts:         opts,
		phase:        AwaitingScript,
		state:        NewState(),
		images:       newImageSet(opts.Output),
		sparseFailed: make(map[string]bool),
	}
}

// Run extracts all partitions. A non-nil error is returned only for setup
// failures (wrapped in SetupError) and cancellation; everything else is
// reported in Result.Errors alongside the partitions that did get extracted.
func (u *Unpacker) Run(ctx context.Context) (*Result, error) {
	if u.phase != AwaitingScript {
		return nil, fmt.Errorf("unpacker already ran")
	}

	hdr, err := u.setup()
	if err != nil {
		u.phase = Failed
		return &Result{Phase: u.phase}, &SetupError{Err: err}
	}

	u.phase = Running
	lines := Lines(hdr.Script)
	u.progress(StageScript, len(lines))
	glog.Infof("Running %d line header script...", len(lines))
	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return u.result(hdr), err
		}
		if err := u.line(i+1, line); err != nil {
			glog.Warningf("%v", err)
			u.errs = append(u.errs, err)
		}
		u.step(StageScript)
	}
	if err := u.images.close(); err != nil {
		u.errs = append(u.errs, err)
	}

	u.phase = Finished
	if err := u.unsparseAll(ctx); err != nil {
		return u.result(hdr), err
	}
	glog.Infof("Done.")
	return u.result(hdr), nil
}

func (u *Unpacker) result(hdr *header.Header) *Result {
	return &Result{
		Phase:      u.phase,
		Script:     hdr.Script,
		Partitions: u.images.partitions(),
		Errors:     u.errs,
	}
}

// setup reads the header, and saves it and its script to the output
// directory.
func (u *Unpacker) setup() (*header.Header, error) {
	if err := os.MkdirAll(u.opts.Output, 0755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}

	glog.Infof("Analyzing header of %s...", u.opts.Image)
	hdr, err := header.ReadFile(u.opts.Image, u.opts.HeaderSize)
	if hdr != nil {
		if err := os.WriteFile(filepath.Join(u.opts.Output, HeaderFile), hdr.Raw, 0644); err != nil {
			return nil, fmt.Errorf("could not save header: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}

	path := filepath.Join(u.opts.Output, HeaderScriptFile)
	glog.Infof("Saving header script to %s...", path)
	if err := os.WriteFile(path, []byte(hdr.Script), 0644); err != nil {
		return nil, fmt.Errorf("could not save header script: %w", err)
	}
	return hdr, nil
}

func (u *Unpacker) line(n int, text string) error {
	glog.V(2).Infof("%d: %s", n, text)
	a, err := u.state.Line(text)
	if err == nil && a != nil {
		err = u.execute(a)
	}
	if err != nil {
		return &LineError{Line: n, Text: text, Err: err}
	}
	return nil
}

func (u *Unpacker) execute(a *Action) error {
	glog.Infof("Partition: %s\tOffset: 0x%x\tSize: 0x%x (%s) -> %s", a.Partition, a.Offset, a.Size, humanize.IBytes(a.Size), a.File)

	var err error
	switch a.Op {
	case OpStore, OpAppend:
		err = u.store(a)
	case OpSparseSegment:
		err = u.sparseSegment(a)
	case OpUnlzo:
		err = u.unlzo(a)
	case OpUnlzoChunk:
		err = u.unlzoChunk(a)
	default:
		err = fmt.Errorf("unhandled op %s", a.Op)
	}
	return err
}

func (u *Unpacker) store(a *Action) error {
	p, appended := u.images.begin(a.Partition, a.File, a.Op == OpAppend)
	if err := partio.CopyRange(u.opts.Image, u.images.path(a.File), a.Offset, a.Size, appended); err != nil {
		p.Incomplete = true
		return err
	}
	u.images.done(p, int64(a.Size), appended)
	return nil
}

func (u *Unpacker) sparseSegment(a *Action) error {
	if a.Seq == 1 {
		// Drop segments left over from an earlier run into the same
		// directory, they would be picked up when merging.
		stale, err := u.segments(a.Partition)
		if err != nil {
			return err
		}
		for _, path := range stale {
			glog.V(1).Infof("Removing stale segment %s", path)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	if err := partio.CopyRange(u.opts.Image, u.images.path(a.File), a.Offset, a.Size, false); err != nil {
		u.sparseFailed[a.Partition] = true
		return err
	}
	return nil
}

func (u *Unpacker) progress(stage string, total int) {
	if u.opts.Progress != nil {
		u.opts.Progress.Stage(stage, total)
	}
}

func (u *Unpacker) step(stage string) {
	if u.opts.Progress != nil {
		u.opts.Progress.Step(stage)
	}
}
