package pool

import (
	"time"

	"github.com/choraleia/chromepool/pkg/browser"
	"github.com/choraleia/chromepool/pkg/models"
)

// reapLoop periodically evicts idle instances.
func (m *Manager) reapLoop() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopReaper:
			return
		case now := <-ticker.C:
			m.reapIdle(now)
		}
	}
}

// reapIdle closes every instance idle for at least the idle timeout with
// no open pages and nothing in flight. A failure to close one instance is
// logged and does not stop the sweep. It returns the number evicted.
func (m *Manager) reapIdle(now time.Time) int {
	m.mu.RLock()
	candidates := make([]*browser.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		candidates = append(candidates, inst)
	}
	m.mu.RUnlock()

	evicted := 0
	for _, inst := range candidates {
		if !inst.Retire(now, m.opts.IdleTimeout) {
			continue
		}
		m.logger.Info("Closing idle browser", "browserID", inst.ID, "idle", now.Sub(inst.LastActivity()))
		evicted++
		if err := m.remove(inst, models.CloseReasonIdle); err != nil {
			m.logger.Warn("Failed to close idle browser", "browserID", inst.ID, "error", err)
		}
	}
	return evicted
}
