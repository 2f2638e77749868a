package unpack

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// Partition is a single output file produced by a run.
type Partition struct {
	// Name of the partition, as given in the script.
	Name string
	// File name within the output directory.
	File string
	// Size of the output in bytes, as accounted by the run.
	Size int64
	// Writes is the number of commands that wrote to this file.
	Writes int
	// Incomplete is set if any write to this partition failed.
	Incomplete bool
}

// imageSet tracks every output file written during a run. The first write to
// a file within a run always truncates it, even for .continue commands, so
// that leftovers from earlier runs never leak into the result.
type imageSet struct {
	dir    string
	order  []string
	images map[string]*Partition
}

func newImageSet(dir string) *imageSet {
	return &imageSet{
		dir:    dir,
		images: make(map[string]*Partition),
	}
}

func (s *imageSet) get(name, file string) *Partition {
	if p, ok := s.images[file]; ok {
		return p
	}
	p := &Partition{
		Name: name,
		File: file,
	}
	s.images[file] = p
	s.order = append(s.order, file)
	return p
}

// begin returns the partition for file and whether the next write should
// append to it.
func (s *imageSet) begin(name, file string, appendTo bool) (*Partition, bool) {
	p := s.get(name, file)
	return p, appendTo && p.Writes > 0
}

// done records a successful write of n bytes.
func (s *imageSet) done(p *Partition, n int64, appended bool) {
	if appended {
		p.Size += n
	} else {
		p.Size = n
	}
	p.Writes++
}

func (s *imageSet) path(file string) string {
	return filepath.Join(s.dir, file)
}

// close checks that every complete output file has the accounted size.
func (s *imageSet) close() error {
	var errs error
	for _, file := range s.order {
		p := s.images[file]
		if p.Incomplete || p.Writes == 0 {
			continue
		}
		st, err := os.Stat(s.path(file))
		if err != nil {
			p.Incomplete = true
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", file, err))
			continue
		}
		if st.Size() != p.Size {
			p.Incomplete = true
			errs = multierror.Append(errs, fmt.Errorf("%s: is %d bytes, expected %d", file, st.Size(), p.Size))
		}
	}
	return errs
}

func (s *imageSet) partitions() []*Partition {
	res := make([]*Partition, 0, len(s.order))
	for _, file := range s.order {
		res = append(res, s.images[file])
	}
	return res
}
