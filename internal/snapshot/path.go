package snapshot

import "path/filepath"

func filepathAbs(path string) (string, error) {
	return filepath.Abs(path)
}

func parentOf(path string) string {
	return filepath.Dir(path)
}
