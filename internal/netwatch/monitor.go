// Package netwatch tracks server reachability by probing the health endpoint
// and reports online/offline transitions.
package netwatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tonimelisma/onboard-sync/internal/transport"
)

const (
	minInterval         = time.Second
	initialProbeBackoff = time.Second
	probeBackoffFactor  = 2
)

// Monitor probes HEAD on the health path. Any HTTP response counts as
// reachable; only a *transport.NetworkError counts as offline.
type Monitor struct {
	sender   transport.Sender
	interval time.Duration
	onChange func(online bool)
	logger   *slog.Logger

	mu     sync.Mutex
	online bool

	wake chan struct{}
}

// New creates a Monitor that assumes the server is reachable until a probe
// says otherwise. onChange runs on every transition.
func New(sender transport.Sender, interval time.Duration, onChange func(online bool), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	if interval < minInterval {
		logger.Warn("probe interval below minimum, clamping",
			slog.Duration("requested", interval),
			slog.Duration("minimum", minInterval),
		)

		interval = minInterval
	}

	return &Monitor{
		sender:   sender,
		interval: interval,
		onChange: onChange,
		logger:   logger,
		online:   true,
		wake:     make(chan struct{}, 1),
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// MarkOffline records a failure seen elsewhere (e.g. a save hitting a
// network error) and makes the next probe happen soon. onChange is not
// called; the caller already acted on the failure.
func (m *Monitor) MarkOffline() {
	m.mu.Lock()
	m.online = false
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Probe checks reachability once and returns the new state.
func (m *Monitor) Probe(ctx context.Context) bool {
	_, err := m.sender.Send(ctx, &transport.Request{Method: http.MethodHead, Path: transport.HealthPath})

	online := err == nil || !errors.Is(err, transport.ErrNetworkUnreachable)
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		if online {
			m.logger.Info("server reachable again")
		} else {
			m.logger.Warn("server unreachable", slog.String("error", err.Error()))
		}

		if m.onChange != nil {
			m.onChange(online)
		}
	}

	return online
}

// Run probes until ctx is canceled: every interval while online, with
// growing backoff capped at the interval while offline.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("connectivity monitor starting", slog.Duration("interval", m.interval))

	backoff := initialProbeBackoff

	for {
		wait := m.interval

		if m.Probe(ctx) {
			backoff = initialProbeBackoff
		} else {
			wait = min(backoff, m.interval)
			backoff = min(backoff*probeBackoffFactor, m.interval)
		}

		if err := m.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-m.wake:
		return nil
	}
}
