package engine

import (
	"context"
	"fmt"

	"github.com/banshee-data/dronewatch/internal/monitoring"
)

// LifecycleEvent is a host notification.
type LifecycleEvent string

const (
	LifecycleBackground           LifecycleEvent = "background"
	LifecycleForeground           LifecycleEvent = "foreground"
	LifecycleConnectivityLost     LifecycleEvent = "connectivity_lost"
	LifecycleConnectivityRestored LifecycleEvent = "connectivity_restored"
)

// Hook is called synchronously, in registration order, after the engine has
// handled a lifecycle event.
type Hook func(ctx context.Context, ev LifecycleEvent)

func (e *Engine) RegisterHook(h Hook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Notify handles a lifecycle event from the host and then runs the hooks.
//   - background flushes pending encounter commits.
//   - foreground runs a staleness sweep.
//   - connectivity_lost freezes the staleness clock until connectivity_restored.
func (e *Engine) Notify(ctx context.Context, ev LifecycleEvent) error {
	var err error
	switch ev {
	case LifecycleBackground:
		err = e.store.Flush(ctx)
	case LifecycleForeground:
		e.Sweep()
	case LifecycleConnectivityLost, LifecycleConnectivityRestored:
		e.transportMu.Lock()
		e.hostOffline = ev == LifecycleConnectivityLost
		e.updateClockLocked()
		e.transportMu.Unlock()
	default:
		return fmt.Errorf("unknown lifecycle event %q", ev)
	}

	e.hookMu.Lock()
	hooks := append([]Hook(nil), e.hooks...)
	e.hookMu.Unlock()
	for _, h := range hooks {
		h(ctx, ev)
	}
	return err
}

// SetTransportState records whether the named transport is connected. While
// every known transport is down the staleness clock is frozen, so an outage
// does not age tracks out.
func (e *Engine) SetTransportState(name string, connected bool) {
	e.transportMu.Lock()
	defer e.transportMu.Unlock()
	prev, known := e.transports[name]
	e.transports[name] = connected
	if !known || prev != connected {
		monitoring.Logf("[engine] transport %s connected=%v", name, connected)
	}
	e.updateClockLocked()
}

// RemoveTransport forgets a transport that has shut down for good.
func (e *Engine) RemoveTransport(name string) {
	e.transportMu.Lock()
	defer e.transportMu.Unlock()
	delete(e.transports, name)
	e.updateClockLocked()
}

func (e *Engine) updateClockLocked() {
	offline := e.hostOffline
	if !offline && len(e.transports) > 0 {
		offline = true
		for _, up := range e.transports {
			if up {
				offline = false
				break
			}
		}
	}
	if offline {
		if e.stall.Pause() {
			monitoring.Logf("[engine] all transports down; staleness clock paused")
		}
	} else if e.stall.Resume() {
		monitoring.Logf("[engine] transport restored; staleness clock resumed")
	}
}

func (e *Engine) transportStates() map[string]bool {
	e.transportMu.Lock()
	defer e.transportMu.Unlock()
	out := make(map[string]bool, len(e.transports))
	for k, v := range e.transports {
		out[k] = v
	}
	return out
}
