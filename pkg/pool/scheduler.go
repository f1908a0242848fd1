package pool

import (
	"context"
	"time"
)

// Start runs an initial fill when the pool is below its minimum size, then
// refreshes and cleans up on their own tickers until Stop.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		if m.Size() < m.opts.MinSize {
			m.refresh(ctx)
		}
		m.loop(ctx, m.opts.RefreshInterval, func() { m.refresh(ctx) })
	}()
	go func() {
		defer m.wg.Done()
		m.loop(ctx, m.opts.CleanupInterval, func() { m.CleanupUnhealthy() })
	}()
	m.logger.Info("pool scheduler started",
		"refresh_interval", m.opts.RefreshInterval, "cleanup_interval", m.opts.CleanupInterval)
}

func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context, every time.Duration, run func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func (m *Manager) refresh(ctx context.Context) {
	if _, err := m.RefreshPool(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("pool refresh failed", "error", err)
	}
}
