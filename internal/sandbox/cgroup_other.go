//go:build !linux

package sandbox

import (
	"errors"

	"github.com/ash-run/ash/internal/config"
)

func detectCgroupV2() error {
	return errors.New("cgroup v2 requires linux")
}

func createCgroup(string, config.Limits) (string, error) {
	return "", errors.New("cgroups unsupported on this platform")
}

func attachToCgroup(string, int) error { return nil }

func removeCgroup(string) error { return nil }
