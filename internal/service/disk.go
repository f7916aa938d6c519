package service

import (
	"fmt"
	"syscall"
)

// diskUsagePercent returns the used fraction of the filesystem holding path,
// as a percentage of blocks available to unprivileged users.
func diskUsagePercent(path string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem at %s: %w", path, err)
	}

	total := stat.Blocks
	if total == 0 {
		return 0, fmt.Errorf("filesystem at %s reports zero blocks", path)
	}
	used := total - stat.Bavail
	return float64(used) / float64(total) * 100, nil
}
