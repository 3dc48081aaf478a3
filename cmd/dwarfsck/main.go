package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/dwarfsgo/dwarfs"
	"github.com/dwarfsgo/dwarfs/reader"
)

const usage = `dwarfsck - verify and inspect a DwarFS image

Usage:
  dwarfsck check <image> [level]    Verify the image (level: fast, checksum, integrity, full)
  dwarfsck info <image>             Print image metadata as JSON
  dwarfsck help

Examples:
  dwarfsck check image.dwarfs integrity
  dwarfsck info image.dwarfs
`

func main() {
	if len(os.Args) < 3 {
		fmt.Println(usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "check":
		level := dwarfs.CheckChecksum
		if len(os.Args) > 3 {
			l, err := parseLevel(os.Args[3])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			level = l
		}
		failed, err := check(os.Args[2], level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		if failed > 0 {
			fmt.Printf("%d section(s) FAILED verification\n", failed)
			os.Exit(1)
		}
		fmt.Println("OK")

	case "info":
		if err := info(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}

	case "help":
		fmt.Println(usage)

	default:
		fmt.Printf("Error: Unknown command '%s'\n", os.Args[1])
		fmt.Println(usage)
		os.Exit(1)
	}
}

func parseLevel(name string) (dwarfs.CheckLevel, error) {
	switch strings.ToLower(name) {
	case "fast":
		return dwarfs.CheckFast, nil
	case "checksum":
		return dwarfs.CheckChecksum, nil
	case "integrity":
		return dwarfs.CheckIntegrity, nil
	case "full":
		return dwarfs.CheckFull, nil
	default:
		return 0, fmt.Errorf("unknown check level '%s'", name)
	}
}

func openImage(path string) (*reader.Filesystem, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	fsys, err := reader.Open(f, st.Size(), reader.Config{})
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to open DwarFS image: %w", err)
	}
	return fsys, func() { fsys.Close(); f.Close() }, nil
}

func check(path string, level dwarfs.CheckLevel) (int, error) {
	fsys, cleanup, err := openImage(path)
	if err != nil {
		return 0, err
	}
	defer cleanup()
	return fsys.Check(context.Background(), level, runtime.NumCPU())
}

func info(path string) error {
	fsys, cleanup, err := openImage(path)
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := fsys.InfoAsJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
