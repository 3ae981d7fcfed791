package rasterize

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

var tempPrefixes = []string{"contract-", "s3pdf-", "pdfdl-"}

// CleanupTemps removes materialized inputs older than maxAge from dir
// (os.TempDir when empty). Doc.Close removes its own file; this catches the
// ones left behind by a crashed process. It returns the number removed.
func CleanupTemps(dir string, maxAge time.Duration) int {
	if dir == "" {
		dir = os.TempDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !isOurTemp(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) >= maxAge {
			if os.Remove(filepath.Join(dir, e.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}

func isOurTemp(name string) bool {
	if !strings.HasSuffix(name, ".pdf") {
		return false
	}
	for _, p := range tempPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
