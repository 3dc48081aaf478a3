package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dwarfsgo/dwarfs/codec"
	"github.com/dwarfsgo/dwarfs/reader"
	"github.com/dwarfsgo/dwarfs/rewriter"
	"github.com/dwarfsgo/dwarfs/writer"
)

const usage = `mkdwarfs - create or re-pack a DwarFS image

Usage:
  mkdwarfs build <input_dir> <output_image> [compression] [block_size]
  mkdwarfs recompress <input_image> <output_image> [compression]
  mkdwarfs help

compression is one of: none, zstd, lzma, lz4, lz4hc, zlib (default zstd)
block_size is the uncompressed block size in bytes, a power of two (default 1048576)

Examples:
  mkdwarfs build /usr/share image.dwarfs
  mkdwarfs build data image.dwarfs lzma 4194304
  mkdwarfs recompress image.dwarfs smaller.dwarfs zstd
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "build":
		if len(os.Args) < 4 {
			fmt.Println("Error: Missing input directory or output image path")
			fmt.Println(usage)
			os.Exit(1)
		}
		if err := build(os.Args[2], os.Args[3], os.Args[4:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}

	case "recompress":
		if len(os.Args) < 4 {
			fmt.Println("Error: Missing input or output image path")
			fmt.Println(usage)
			os.Exit(1)
		}
		if err := recompress(os.Args[2], os.Args[3], os.Args[4:]); err != nil {
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

// parseCompression maps a codec name to its registry type.
func parseCompression(name string) (codec.TypeName, error) {
	switch strings.ToLower(name) {
	case "none":
		return codec.None, nil
	case "zstd":
		return codec.ZSTD, nil
	case "lzma", "xz":
		return codec.LZMA, nil
	case "lz4":
		return codec.LZ4, nil
	case "lz4hc":
		return codec.LZ4HC, nil
	case "zlib":
		return codec.Zlib, nil
	default:
		return 0, fmt.Errorf("unknown compression '%s'", name)
	}
}

func build(inputDir, outputPath string, rest []string) error {
	comp := codec.ZSTD
	blockSize := uint32(1 << 20)
	if len(rest) > 0 {
		c, err := parseCompression(rest[0])
		if err != nil {
			return err
		}
		comp = c
	}
	if len(rest) > 1 {
		n, err := strconv.ParseUint(rest[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid block size '%s': %w", rest[1], err)
		}
		blockSize = uint32(n)
	}

	fsys := os.DirFS(inputDir)
	w := writer.New(writer.Options{
		BlockSize:       blockSize,
		Compression:     comp,
		Workers:         runtime.NumCPU(),
		CreateTimestamp: time.Now().Unix(),
		HasCreateStamp:  true,
		ReadLink: func(path string) (string, error) {
			return os.Readlink(inputDir + string(os.PathSeparator) + path)
		},
		History: []byte(strings.Join(os.Args, " ")),
	})

	if err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		return w.Add(fsys, path, d, err)
	}); err != nil {
		return fmt.Errorf("scanning '%s': %w", inputDir, err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := w.Write(context.Background(), fsys, out); err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("writing image: %w", err)
	}
	return out.Close()
}

func recompress(inputPath, outputPath string, rest []string) error {
	comp := codec.ZSTD
	if len(rest) > 0 {
		c, err := parseCompression(rest[0])
		if err != nil {
			return err
		}
		comp = c
	}

	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}

	fsys, err := reader.Open(in, st.Size(), reader.Config{})
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer fsys.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	err = rewriter.Rewrite(context.Background(), fsys, out, rewriter.Options{
		RecompressBlock:      true,
		RecompressMetadata:   true,
		Compression:          comp,
		EnableHistory:        true,
		CommandLineArguments: os.Args,
	})
	if err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("rewriting image: %w", err)
	}
	return out.Close()
}
