package utils

import (
	"io/fs"
	"path/filepath"
	"sort"
)

// ListFiles returns the regular files below path, sorted, relative to
// path.
func ListFiles(path string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.Walk(path, func(file string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(path, file)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
