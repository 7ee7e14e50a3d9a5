package jobspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TempPrefix names every job description file written by WriteTemp.
const TempPrefix = "render_job_"

// WriteTemp serialises doc to a fresh file in dir (the OS temp dir when dir is
// empty) and returns its path. The caller owns the file and must remove it.
func WriteTemp(dir string, doc Document) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode job description: %w", err)
	}

	path := filepath.Join(dir, TempPrefix+uuid.NewString()+".json")
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Remove deletes a job description file. A missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job description: %w", err)
	}
	return nil
}
