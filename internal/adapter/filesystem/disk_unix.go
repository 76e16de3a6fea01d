//go:build !windows
// +build !windows

package filesystem

import (
	"fmt"
	"syscall"
)

// FreeSpace returns the bytes available to unprivileged users on the
// volume holding the root directory
func (m *Manager) FreeSpace() (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.rootDir, &stat); err != nil {
		return 0, fmt.Errorf("failed to get disk stats: %w", err)
	}

	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
