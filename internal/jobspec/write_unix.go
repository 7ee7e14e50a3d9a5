//go:build !windows

package jobspec

import (
	"fmt"

	"github.com/google/renameio/v2"
)

// writeFile writes data with fsync + atomic rename so the tool never reads a
// half-written document.
func writeFile(path string, data []byte) error {
	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending job description: %w", err)
	}
	defer pendingFile.Cleanup() //nolint:errcheck // no-op after a successful commit

	if _, err := pendingFile.Write(data); err != nil {
		return fmt.Errorf("write job description: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace job description: %w", err)
	}
	return nil
}
