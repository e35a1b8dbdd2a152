package file

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindByStem returns files in dir whose name without extension equals stem,
// sorted by name. A missing dir yields no matches.
func FindByStem(dir, stem string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var found []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		if strings.TrimSuffix(name, filepath.Ext(name)) == stem {
			found = append(found, filepath.Join(dir, name))
		}
	}
	sort.Strings(found)
	return found, nil
}
