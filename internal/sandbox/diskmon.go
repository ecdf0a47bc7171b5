package sandbox

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ash-run/ash/internal/state"
)

// diskPollInterval is how often the workspace size is re-measured.
const diskPollInterval = 10 * time.Second

// diskMonitor polls a workspace directory and fires onExceeded once when it
// outgrows its limit. The callback is expected to terminate the sandbox.
type diskMonitor struct {
	dir        string
	limitBytes int64
	interval   time.Duration
	onExceeded func()
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newDiskMonitor(dir string, limitBytes int64, onExceeded func(), logger *slog.Logger) *diskMonitor {
	return &diskMonitor{
		dir:        dir,
		limitBytes: limitBytes,
		interval:   diskPollInterval,
		onExceeded: onExceeded,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

func (m *diskMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			size, err := state.DirSize(m.dir)
			if err != nil {
				m.logger.Debug("disk monitor walk failed", "dir", m.dir, "error", err)
				continue
			}
			if size > m.limitBytes {
				m.onExceeded()
				return
			}
		}
	}
}

func (m *diskMonitor) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
