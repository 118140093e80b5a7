package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "daemon",
	Short:   "Show the daemon log",
	Long: `Print the tail of the daemon log file.

Examples:
  contimg log
  contimg log --lines 200
  contimg log --follow`,
	Run: func(cmd *cobra.Command, args []string) {
		lines, _ := cmd.Flags().GetInt("lines")
		follow, _ := cmd.Flags().GetBool("follow")

		cfg := loadConfig()
		path := cfg.Logging.File

		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				fatal("no log file at %s (has the daemon run?)", path)
			}
			fatal("%v", err)
		}
		defer func() { _ = f.Close() }()

		offset, err := printTail(f, lines)
		if err != nil {
			fatal("%v", err)
		}
		if !follow {
			return
		}

		// Poll for growth. Rotation replaces the file; reopen from the start
		// when the size moves backwards.
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
			}
			info, statErr := os.Stat(path)
			if statErr != nil {
				continue
			}
			if info.Size() < offset {
				_ = f.Close()
				f, err = os.Open(path)
				if err != nil {
					continue
				}
				offset = 0
			}
			if info.Size() > offset {
				if _, err := f.Seek(offset, io.SeekStart); err != nil {
					fatal("%v", err)
				}
				n, copyErr := io.Copy(os.Stdout, f)
				if copyErr != nil {
					fatal("%v", copyErr)
				}
				offset += n
			}
		}
	},
}

// printTail writes the last n lines of f to stdout and returns the end-of-file
// offset at the time of the read.
func printTail(f *os.File, n int) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 || n <= 0 {
		return size, nil
	}

	// Read a bounded window from the end rather than the whole file; logs
	// rotate at tens of megabytes.
	const window = 256 * 1024
	start := size - window
	if start < 0 {
		start = 0
	}
	buf := make([]byte, size-start)
	if _, err := f.ReadAt(buf, start); err != nil && err != io.EOF {
		return 0, err
	}

	tail := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if start > 0 && len(tail) > 1 {
		tail = tail[1:] // first line of the window is usually cut mid-way
	}
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	for _, line := range tail {
		fmt.Println(line)
	}
	return size, nil
}

func init() {
	logCmd.Flags().IntP("lines", "n", 50, "Number of trailing lines to print")
	logCmd.Flags().BoolP("follow", "f", false, "Keep printing as the log grows")
	rootCmd.AddCommand(logCmd)
}
