package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "unmstar",
	Short: "unmstar unpacks MStar firmware upgrade images",
	Long: `Extracts partitions from MStar (MstarUpgrade.bin style) firmware images by
running the upgrade script stored in their header.

Partitions written as android sparse images are merged back into raw images,
and lzo compressed partitions are decompressed.`,
	SilenceUsage: true,
}

var verboseLog bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	extractCmd.Flags().IntVarP(&extractConcurrency, "jobs", "j", 1, "Number of sparse partitions to merge in parallel")
	extractCmd.Flags().BoolVarP(&extractKeepTemp, "keep-temp", "k", false, "Keep temporary .lzo and sparse segment files")
	extractCmd.Flags().BoolVarP(&extractProgress, "progress", "p", false, "Show progress bars")
	extractCmd.Flags().StringVar(&headerSize, "header-size", "0x4000", "Size of the script header block")
	scriptCmd.Flags().StringVar(&headerSize, "header-size", "0x4000", "Size of the script header block")
	scriptCmd.Flags().BoolVar(&scriptPlan, "plan", false, "List the actions the script would perform instead of printing it")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verboseLog {
			slog.SetLogLoggerLevel(slog.LevelDebug)
			flag.Set("v", "1")
		}
		flag.Set("logtostderr", "true")
	}
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(unsparseCmd)
	rootCmd.AddCommand(decompressCmd)
}

var headerSize string

func parseNumber(s string) (uint64, error) {
	var err error
	var res uint64
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		res, err = strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number")
		}
	} else {
		res, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			res, err = strconv.ParseUint(s, 16, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number")
			}
		}
	}
	return res, nil
}

func parseHeaderSize() (int, error) {
	n, err := parseNumber(headerSize)
	if err != nil || n == 0 || n > 1<<24 {
		return 0, fmt.Errorf("invalid header size %q", headerSize)
	}
	return int(n), nil
}
