package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/unmstar/unmstar/pkg/sparse"
)

var unsparseCmd = &cobra.Command{
	Use:   "unsparse [output] [segment...]",
	Short: "Merge android sparse images into raw image",
	Long:  "Decodes one or more android sparse image segments, in the given order, into a single raw image.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := args[0]
		n, err := sparse.DecodeFiles(ctx, out, args[1:])
		if err != nil {
			os.Remove(out)
			return err
		}
		slog.Info("Done!", "output", out, "size", humanize.IBytes(uint64(n)))
		return nil
	},
}
