package ledger

import (
	"sync"

	"github.com/infergate/infergate/internal/notifications"
)

// alertGate deduplicates low-balance alerts: each user gets one alert per
// level until their balance recovers or they are credited.
type alertGate struct {
	mu   sync.Mutex
	last map[string]notifications.NotificationType
}

func newAlertGate() *alertGate {
	return &alertGate{
		last: make(map[string]notifications.NotificationType),
	}
}

func (g *alertGate) shouldAlert(userID string, kind notifications.NotificationType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.last[userID] == kind {
		return false
	}
	g.last[userID] = kind
	return true
}

func (g *alertGate) clear(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, userID)
}
