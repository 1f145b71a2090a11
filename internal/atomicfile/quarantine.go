package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// QuarantineDirName is the directory under the state dir receiving corrupted files.
const QuarantineDirName = "quarantine"

// Quarantine moves a corrupted file into <stateDir>/quarantine so that it can be
// inspected later. It returns the destination path.
func Quarantine(stateDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(stateDir, QuarantineDirName)
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().UTC().Format("20060102T150405.000000000")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}
