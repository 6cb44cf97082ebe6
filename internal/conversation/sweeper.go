package conversation

import (
	"context"
	"time"
)

// Sweep runs the TTL sweep loop until the context is cancelled or the
// manager closes. Expirations travel through the per-session mailboxes, so
// they serialize with real events instead of racing them.
func (m *Manager) Sweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closeChan:
			return nil
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	ids, err := m.sessions.ListExpired(ctx, now, m.ttl)
	if err != nil {
		m.log.Error().Err(err).Msg("listing expired sessions")
	} else {
		for _, id := range ids {
			m.enqueueExpire(id)
		}
	}

	if err := m.sessions.PurgeTerminal(ctx, now, m.ttl); err != nil {
		m.log.Error().Err(err).Msg("purging terminal sessions")
	}
}

// enqueueExpire drops the expiration on the floor when the mailbox is full;
// the next sweep will pick the session up again.
func (m *Manager) enqueueExpire(sessionID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	box := m.acquire(sessionID)
	m.mu.Unlock()

	select {
	case box.ch <- envelope{kind: envelopeExpire}:
	default:
		m.release(box)
		m.log.Debug().Str("session_id", sessionID).Msg("mailbox full, expiration deferred to next sweep")
	}
}
