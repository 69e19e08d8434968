package feed

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Quarantine moves a feed that could not be materialized into dstDir and
// writes the failure next to it as <name>.error.txt. A name collision gets a
// -<unixnano> suffix.
func Quarantine(srcPath string, dstDir string, cause error) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", fmt.Errorf("quarantine dir is empty")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(srcPath)
	dstPath := filepath.Join(dstDir, base)
	if _, err := os.Stat(dstPath); err == nil {
		ext := filepath.Ext(base)
		name := strings.TrimSuffix(base, ext)
		dstPath = filepath.Join(dstDir, fmt.Sprintf("%s-%d%s", name, time.Now().UnixNano(), ext))
	}

	if err := os.Rename(srcPath, dstPath); err != nil {
		// Cross-device: copy then remove.
		if err := copyFile(srcPath, dstPath); err != nil {
			_ = os.Remove(dstPath)
			return "", err
		}
		if err := os.Remove(srcPath); err != nil {
			return "", err
		}
	}

	if cause != nil {
		note := fmt.Sprintf("source: %s\ntime: %s\nerror: %v\n", srcPath, time.Now().UTC().Format(time.RFC3339), cause)
		_ = os.WriteFile(dstPath+".error.txt", []byte(note), 0o644)
	}
	return dstPath, nil
}
