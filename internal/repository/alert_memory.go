package repository

import (
	"context"
	"sync"
	"time"

	"escrow-engine/internal/model"
)

// MemoryAlertRepository keeps the most recent alerts in a ring buffer.
type MemoryAlertRepository struct {
	mu     sync.Mutex
	alerts []model.Alert
	next   int
	full   bool
}

var _ AlertStore = (*MemoryAlertRepository)(nil)

// NewMemoryAlertRepository keeps up to size alerts.
func NewMemoryAlertRepository(size int) *MemoryAlertRepository {
	if size <= 0 {
		size = 200
	}
	return &MemoryAlertRepository{alerts: make([]model.Alert, size)}
}

func (r *MemoryAlertRepository) InsertAlert(ctx context.Context, a *model.Alert) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[r.next] = *a
	r.next = (r.next + 1) % len(r.alerts)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// RecentAlerts returns the newest alerts first.
func (r *MemoryAlertRepository) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.alerts)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Alert, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.alerts)) % len(r.alerts)
		out = append(out, r.alerts[idx])
	}
	return out, nil
}

func (r *MemoryAlertRepository) Close() error { return nil }
