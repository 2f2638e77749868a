package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/unmstar/unmstar/pkg/unpack"
)

var (
	extractConcurrency int
	extractKeepTemp    bool
	extractProgress    bool
)

var extractCmd = &cobra.Command{
	Use:   "extract [image] [outdir]",
	Short: "Extract partitions from firmware image",
	Long:  "Runs the header script of a firmware image and writes every partition it describes into outdir (default: unpacked).",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := "unpacked"
		if len(args) > 1 {
			out = args[1]
		}
		hsize, err := parseHeaderSize()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := unpack.Options{
			Image:       args[0],
			Output:      out,
			HeaderSize:  hsize,
			Concurrency: extractConcurrency,
			KeepTemp:    extractKeepTemp,
		}
		var bars *progressBars
		if extractProgress {
			bars = newProgressBars()
			opts.Progress = bars
		}

		res, err := unpack.New(opts).Run(ctx)
		if bars != nil {
			bars.Wait()
		}
		if err != nil {
			return err
		}

		for _, p := range res.Partitions {
			state := "ok"
			if p.Incomplete {
				state = "INCOMPLETE"
			}
			fmt.Printf("%-24s %10s  %s\n", p.File, humanize.IBytes(uint64(p.Size)), state)
		}
		if err := res.Err(); err != nil {
			slog.Warn("Extraction finished with errors", "errors", len(res.Errors), "output", out)
			return err
		}
		slog.Info("Done!", "partitions", len(res.Partitions), "output", out)
		return nil
	},
}

// progressBars shows one bar per unpack stage.
type progressBars struct {
	progress *mpb.Progress
	mu       sync.Mutex
	bars     map[string]*mpb.Bar
}

func newProgressBars() *progressBars {
	return &progressBars{
		progress: mpb.New(),
		bars:     make(map[string]*mpb.Bar),
	}
}

func (p *progressBars) Stage(name string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[name] = p.progress.AddBar(
		int64(total),
		mpb.PrependDecorators(
			decor.Name(name, decor.WCSyncSpaceR),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
		),
	)
}

func (p *progressBars) Step(name string) {
	p.mu.Lock()
	bar := p.bars[name]
	p.mu.Unlock()
	if bar != nil {
		bar.Increment()
	}
}

func (p *progressBars) Wait() {
	p.mu.Lock()
	for _, bar := range p.bars {
		// Completes bars of stages cut short by errors or cancellation.
		bar.SetTotal(0, true)
	}
	p.mu.Unlock()
	p.progress.Wait()
}
