package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tom-assistant/tom/internal/observability"
)

// StatusSource is one provider's notification surface.
type StatusSource interface {
	Name() string
	// NotificationStatus returns the current status text and the time it
	// last changed. Empty text means nothing to report.
	NotificationStatus(ctx context.Context) (string, time.Time, error)
}

// ModuleStatus is one entry of the aggregated snapshot.
type ModuleStatus struct {
	Module  string `json:"module"`
	Message string `json:"message"`
}

// Snapshot is what clients poll to decide whether to refresh their UI: the
// id changes whenever any provider's status does.
type Snapshot struct {
	StatusID      int64          `json:"status_id"`
	Notifications []ModuleStatus `json:"notifications"`
}

// Aggregator polls provider notification statuses and maintains the
// aggregated snapshot.
type Aggregator struct {
	sources  []StatusSource
	logger   *observability.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	statuses map[string]ModuleStatus
	lastSeen map[string]time.Time
	statusID int64
}

// NewAggregator creates an aggregator polling the sources every 10 seconds.
func NewAggregator(sources []StatusSource, logger *observability.Logger) *Aggregator {
	return &Aggregator{
		sources:  sources,
		logger:   logger,
		interval: 10 * time.Second,
		now:      time.Now,
		statuses: make(map[string]ModuleStatus),
		lastSeen: make(map[string]time.Time),
	}
}

// Run polls until ctx is done. The first poll happens immediately.
func (a *Aggregator) Run(ctx context.Context) {
	a.Poll(ctx)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Poll(ctx)
		}
	}
}

// Poll reads every source once; when any status timestamp moved, the
// aggregate status id is bumped to the current wall-clock second.
func (a *Aggregator) Poll(ctx context.Context) {
	changed := false
	for _, source := range a.sources {
		message, changedAt, err := source.NotificationStatus(ctx)
		if err != nil {
			a.logger.Warn(ctx, "status poll failed", "module", source.Name(), "error", err)
			continue
		}

		a.mu.Lock()
		if last, ok := a.lastSeen[source.Name()]; !ok || changedAt.After(last) {
			a.lastSeen[source.Name()] = changedAt
			changed = true
		}
		if message == "" {
			delete(a.statuses, source.Name())
		} else {
			a.statuses[source.Name()] = ModuleStatus{Module: source.Name(), Message: message}
		}
		a.mu.Unlock()
	}

	if changed {
		a.mu.Lock()
		a.statusID = a.now().Unix()
		a.mu.Unlock()
	}
}

// Snapshot returns the current aggregate, modules sorted by name.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := Snapshot{StatusID: a.statusID, Notifications: make([]ModuleStatus, 0, len(a.statuses))}
	for _, status := range a.statuses {
		out.Notifications = append(out.Notifications, status)
	}
	sort.Slice(out.Notifications, func(i, j int) bool {
		return out.Notifications[i].Module < out.Notifications[j].Module
	})
	return out
}
