package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dwarfsgo/dwarfs/metadata"
	"github.com/dwarfsgo/dwarfs/reader"
)

const usage = `dwarfsextract - list, read and extract files from a DwarFS image

Usage:
  dwarfsextract ls <image> [<path>]           List files (optionally in a specific path)
  dwarfsextract cat <image> <file>            Display contents of a file in the image
  dwarfsextract unpack <image> <output_dir>   Extract the whole image to a directory
  dwarfsextract help

Examples:
  dwarfsextract ls image.dwarfs               List all files at the root of image.dwarfs
  dwarfsextract ls image.dwarfs lib           List all files in the lib directory
  dwarfsextract cat image.dwarfs etc/hosts    Display contents of etc/hosts
  dwarfsextract unpack image.dwarfs out/      Extract everything into out/
`

func main() {
	if len(os.Args) < 3 {
		fmt.Println(usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "ls":
		dir := "."
		if len(os.Args) > 3 {
			dir = os.Args[3]
		}
		err = listFiles(os.Args[2], dir)

	case "cat":
		if len(os.Args) < 4 {
			fmt.Println("Error: Missing image path or target file")
			fmt.Println(usage)
			os.Exit(1)
		}
		err = catFile(os.Args[2], os.Args[3])

	case "unpack":
		if len(os.Args) < 4 {
			fmt.Println("Error: Missing image path or output directory")
			fmt.Println(usage)
			os.Exit(1)
		}
		err = unpack(os.Args[2], os.Args[3])

	case "help":
		fmt.Println(usage)

	default:
		fmt.Printf("Error: Unknown command '%s'\n", os.Args[1])
		fmt.Println(usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
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

// printFileInfo prints one ls line in a consistent format.
func printFileInfo(path string, info fs.FileInfo) {
	typeChar := "-"
	if info.IsDir() {
		typeChar = "d"
	} else if info.Mode()&fs.ModeSymlink != 0 {
		typeChar = "l"
	}

	mode := info.Mode().String()
	permissions := mode[1:]

	size := fmt.Sprintf("%8d", info.Size())
	if info.IsDir() {
		size = "       -"
	}

	timeStr := info.ModTime().Format("Jan 02 15:04")
	fmt.Printf("%s%s %s %s %s\n", typeChar, permissions, size, timeStr, path)
}

func listFiles(imagePath, dirPath string) error {
	fsys, cleanup, err := openImage(imagePath)
	if err != nil {
		return err
	}
	defer cleanup()

	stdfs := fsys.StdFS()

	if dirPath != "." {
		info, err := fs.Stat(stdfs, dirPath)
		if err != nil {
			return fmt.Errorf("path '%s' not found: %w", dirPath, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("'%s' is not a directory", dirPath)
		}
	}

	entries, err := fs.ReadDir(stdfs, dirPath)
	if err != nil {
		return fmt.Errorf("failed to read directory '%s': %w", dirPath, err)
	}

	for _, entry := range entries {
		displayPath := entry.Name()
		if dirPath != "." {
			displayPath = dirPath + "/" + entry.Name()
		}
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to get info for '%s': %s\n", displayPath, err)
			continue
		}
		printFileInfo(displayPath, info)
	}
	return nil
}

func catFile(imagePath, filePath string) error {
	fsys, cleanup, err := openImage(imagePath)
	if err != nil {
		return err
	}
	defer cleanup()

	data, err := fs.ReadFile(fsys.StdFS(), filePath)
	if err != nil {
		return fmt.Errorf("failed to read file '%s': %w", filePath, err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

// unpack extracts the image's whole tree under outDir, visiting inodes in
// directory order for structure and writing regular-file contents through
// the stdlib fs surface.
func unpack(imagePath, outDir string) error {
	fsys, cleanup, err := openImage(imagePath)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}

	stdfs := fsys.StdFS()
	return fsys.Walk(func(path string, iv metadata.InodeView) error {
		if path == "" {
			return nil
		}
		target := filepath.Join(outDir, filepath.FromSlash(path))

		switch {
		case iv.IsDir():
			return os.MkdirAll(target, 0755)
		case iv.IsSymlink():
			linkTarget, err := fsys.Readlink(iv)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		case iv.IsRegular():
			data, err := fs.ReadFile(stdfs, path)
			if err != nil {
				return err
			}
			return os.WriteFile(target, data, iv.Mode().Perm())
		default:
			// device/other nodes are skipped; creating them needs privileges
			return nil
		}
	})
}
