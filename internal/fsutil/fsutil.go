package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
}

// IsImageFile checks if a file is a supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := imageExts[ext]
	return ok
}

// ListImages returns all supported image files directly under dir,
// sorted by name. Subdirectories are not descended into so derivative
// folders next to the sources never re-enter a batch.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsImageFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ExpandInputs resolves each argument to image files: directories are
// listed, files pass through after an extension check.
func ExpandInputs(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			listed, err := ListImages(arg)
			if err != nil {
				return nil, err
			}
			files = append(files, listed...)
			continue
		}
		if IsImageFile(arg) {
			files = append(files, arg)
		}
	}
	return files, nil
}
