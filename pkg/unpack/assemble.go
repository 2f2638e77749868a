package unpack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/unmstar/unmstar/pkg/compression"
	"github.com/unmstar/unmstar/pkg/partio"
	"github.com/unmstar/unmstar/pkg/sparse"
)

const segmentSep = "_sparse."

func segmentName(name string, seq int) string {
	return fmt.Sprintf("%s%s%d", name, segmentSep, seq)
}

func chunkName(name string, seq int, ext string) string {
	return fmt.Sprintf("%s_chunk%d.%s", name, seq, ext)
}

type segment struct {
	seq  int
	path string
}

// segments returns the sparse segment files of a partition present in the
// output directory, ordered by sequence number.
func (u *Unpacker) segments(name string) ([]string, error) {
	entries, err := os.ReadDir(u.opts.Output)
	if err != nil {
		return nil, err
	}
	prefix := name + segmentSep
	var segs []segment
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if err != nil || seq < 1 {
			continue
		}
		segs = append(segs, segment{seq: seq, path: filepath.Join(u.opts.Output, e.Name())})
	}
	slices.SortFunc(segs, func(a, b segment) int {
		return a.seq - b.seq
	})
	res := make([]string, len(segs))
	for i, s := range segs {
		res[i] = s.path
	}
	return res, nil
}

func (u *Unpacker) unlzo(a *Action) error {
	p, _ := u.images.begin(a.Partition, a.File, false)
	lzo := u.images.path(a.Partition + ".lzo")
	n, err := u.decompress(a, lzo, u.images.path(a.File))
	if err != nil {
		p.Incomplete = true
		return err
	}
	u.images.done(p, n, false)
	return nil
}

// unlzoChunk decompresses one chunk of a partition and appends it to the
// partition image. Chunks are appended in script order.
func (u *Unpacker) unlzoChunk(a *Action) error {
	p, appended := u.images.begin(a.Partition, a.File, true)
	lzo := u.images.path(chunkName(a.Partition, a.Seq, "lzo"))
	dst := u.images.path(a.File)
	if !appended {
		n, err := u.decompress(a, lzo, dst)
		if err != nil {
			p.Incomplete = true
			return err
		}
		u.images.done(p, n, false)
		return nil
	}

	chunk := u.images.path(chunkName(a.Partition, a.Seq, "img"))
	defer u.remove(chunk)
	if _, err := u.decompress(a, lzo, chunk); err != nil {
		p.Incomplete = true
		return err
	}
	n, err := partio.AppendFile(chunk, dst)
	if err != nil {
		p.Incomplete = true
		return err
	}
	u.images.done(p, n, true)
	return nil
}

// decompress extracts the action's range into the temporary file lzo and
// decompresses it into dst.
func (u *Unpacker) decompress(a *Action, lzo, dst string) (int64, error) {
	if err := partio.CopyRange(u.opts.Image, lzo, a.Offset, a.Size, false); err != nil {
		return 0, err
	}
	defer u.remove(lzo)

	glog.Infof("Decompressing %s...", filepath.Base(lzo))
	n, err := compression.DecompressFile(lzo, dst)
	if err != nil {
		return n, &DecodeError{Partition: a.Partition, Err: err}
	}
	glog.V(1).Infof("Decompressed %s to %s", humanize.IBytes(a.Size), humanize.IBytes(uint64(n)))
	return n, nil
}

// remove deletes a temporary file, unless they are to be kept.
func (u *Unpacker) remove(path string) {
	if u.opts.KeepTemp {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		glog.Warningf("Could not remove %s: %v", path, err)
	}
}

// unsparseAll merges the sparse segments of every partition written with
// sparse_write into <name>.img. Partitions are independent and are decoded in
// parallel; a failure only affects its own partition.
func (u *Unpacker) unsparseAll(ctx context.Context) error {
	names := u.state.Sparse
	if len(names) == 0 {
		return nil
	}
	u.progress(StageSparse, len(names))

	parts := make([]*Partition, len(names))
	for i, name := range names {
		parts[i] = u.images.get(name, name+".img")
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(u.opts.Concurrency)
	for i := range names {
		i := i
		g.Go(func() error {
			defer u.step(StageSparse)
			if err := ctx.Err(); err != nil {
				return err
			}
			err := u.unsparse(ctx, parts[i])
			if err == nil {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			glog.Warningf("%v", err)
			mu.Lock()
			u.errs = append(u.errs, err)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (u *Unpacker) unsparse(ctx context.Context, p *Partition) error {
	segs, err := u.segments(p.Name)
	if err != nil {
		p.Incomplete = true
		return &DecodeError{Partition: p.Name, Err: err}
	}
	defer func() {
		for _, seg := range segs {
			u.remove(seg)
		}
	}()

	out := u.images.path(p.File)
	if u.sparseFailed[p.Name] {
		p.Incomplete = true
		return &DecodeError{Partition: p.Name, Err: fmt.Errorf("missing sparse segments")}
	}
	if len(segs) == 0 {
		p.Incomplete = true
		return &DecodeError{Partition: p.Name, Err: fmt.Errorf("no sparse segments found")}
	}

	glog.Infof("Merging %d sparse segment(s) of %s...", len(segs), p.Name)
	n, err := sparse.DecodeFiles(ctx, out, segs)
	if err != nil {
		p.Incomplete = true
		if rerr := os.Remove(out); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			glog.Warningf("Could not remove partial %s: %v", out, rerr)
		}
		return &DecodeError{Partition: p.Name, Err: err}
	}
	p.Size = n
	p.Writes = len(segs)
	glog.Infof("Partition: %s\t-> %s (%s)", p.Name, p.File, humanize.IBytes(uint64(n)))
	return nil
}
