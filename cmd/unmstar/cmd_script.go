package main

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/unmstar/unmstar/pkg/header"
	"github.com/unmstar/unmstar/pkg/unpack"
)

var scriptPlan bool

var scriptCmd = &cobra.Command{
	Use:   "script [image]",
	Short: "Print header script of firmware image",
	Long:  "Prints the header script of a firmware image, or with --plan, the partitions it would extract without writing anything.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hsize, err := parseHeaderSize()
		if err != nil {
			return err
		}
		hdr, err := header.ReadFile(args[0], hsize)
		if err != nil {
			return fmt.Errorf("could not read header: %w", err)
		}

		if !scriptPlan {
			fmt.Print(hdr.Script)
			return nil
		}

		actions, state, errs := unpack.Plan(hdr.Script)
		for _, a := range actions {
			seq := ""
			if a.Seq != 0 {
				seq = fmt.Sprintf("#%d", a.Seq)
			}
			fmt.Printf("%-12s %-20s %-4s 0x%08x %10s -> %s\n", a.Op, a.Partition, seq, a.Offset, humanize.IBytes(a.Size), a.File)
		}
		for _, name := range state.Sparse {
			fmt.Printf("%-12s %-20s %-4s %10s %10s -> %s.img\n", "merge", name, fmt.Sprintf("x%d", state.Segments[name]), "", "", name)
		}
		for _, key := range state.Env.Keys() {
			v, _ := state.Env.Get(key)
			slog.Debug("Environment", "key", key, "value", v)
		}
		for _, err := range errs {
			slog.Warn("Script error", "err", err)
		}
		return nil
	},
}
