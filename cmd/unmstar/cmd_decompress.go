package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/unmstar/unmstar/pkg/compression"
)

var decompressCmd = &cobra.Command{
	Use:   "decompress [input] [output]",
	Short: "Decompress lzop, xz or lzma partition",
	Long:  "Decompresses a partition extracted from a firmware image. The format is detected from the file contents. The output defaults to the input with an .img extension.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := args[0]
		var out string
		if len(args) > 1 {
			out = args[1]
		} else {
			out = strings.TrimSuffix(in, filepath.Ext(in)) + ".img"
			if out == in {
				return fmt.Errorf("input already has .img extension, give an output path")
			}
		}
		n, err := compression.DecompressFile(in, out)
		if err != nil {
			return fmt.Errorf("could not decompress %s: %w", in, err)
		}
		slog.Info("Done!", "output", out, "size", humanize.IBytes(uint64(n)))
		return nil
	},
}
