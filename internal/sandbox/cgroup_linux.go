//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/ash-run/ash/internal/config"
)

const cgroupRoot = "/sys/fs/cgroup/ash"

func detectCgroupV2() error {
	var stat unix.Statfs_t
	if err := unix.Statfs("/sys/fs/cgroup", &stat); err != nil {
		return fmt.Errorf("stat /sys/fs/cgroup: %w", err)
	}
	if stat.Type != unix.CGROUP2_SUPER_MAGIC {
		return fmt.Errorf("cgroup v2 not mounted at /sys/fs/cgroup")
	}
	if err := os.MkdirAll(cgroupRoot, 0755); err != nil {
		return fmt.Errorf("create cgroup root: %w", err)
	}
	return nil
}

func cgroupPath(sandboxID string) string {
	return filepath.Join(cgroupRoot, sandboxID)
}

func createCgroup(sandboxID string, limits config.Limits) (string, error) {
	cgPath := cgroupPath(sandboxID)
	if err := os.MkdirAll(cgPath, 0755); err != nil {
		return "", fmt.Errorf("create cgroup %s: %w", cgPath, err)
	}

	if limits.MemoryMB > 0 {
		memBytes := int64(limits.MemoryMB) * 1024 * 1024
		if err := os.WriteFile(filepath.Join(cgPath, "memory.max"), []byte(strconv.FormatInt(memBytes, 10)), 0644); err != nil {
			return "", fmt.Errorf("set memory.max: %w", err)
		}
	}
	if limits.MaxProcesses > 0 {
		if err := os.WriteFile(filepath.Join(cgPath, "pids.max"), []byte(strconv.Itoa(limits.MaxProcesses)), 0644); err != nil {
			return "", fmt.Errorf("set pids.max: %w", err)
		}
	}
	if limits.CPUPercent > 0 {
		quota := int64(limits.CPUPercent) * 1000
		cpuMax := fmt.Sprintf("%d 100000", quota)
		if err := os.WriteFile(filepath.Join(cgPath, "cpu.max"), []byte(cpuMax), 0644); err != nil {
			return "", fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return cgPath, nil
}

func attachToCgroup(cgPath string, pid int) error {
	procsPath := filepath.Join(cgPath, "cgroup.procs")
	if err := os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("attach pid %d to cgroup: %w", pid, err)
	}
	return nil
}

func removeCgroup(sandboxID string) error {
	if err := os.RemoveAll(cgroupPath(sandboxID)); err != nil {
		return fmt.Errorf("remove cgroup %s: %w", sandboxID, err)
	}
	return nil
}
