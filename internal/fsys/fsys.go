// Package fsys is the filesystem collaborator used by the block index and the context assembler.
package fsys

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FS reads note files and enumerates them under a root.
type FS interface {
	ReadFile(path string) (string, error)
	// Glob returns every regular file below root whose base name matches pattern, sorted.
	Glob(root, pattern string) ([]string, error)
	Stat(path string) (fs.FileInfo, error)
}

// OS is the FS backed by the local disk.
type OS struct{}

func (OS) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (OS) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }

func (OS) Glob(root, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, err
	}
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// skip .git, .obsidian and friends
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
