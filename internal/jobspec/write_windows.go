//go:build windows

package jobspec

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeFile writes data via temp file + rename.
// Note: Windows doesn't support atomic rename with fsync like Unix
func writeFile(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".render-job-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp job description: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write job description: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close job description: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename job description: %w", err)
	}
	return nil
}
