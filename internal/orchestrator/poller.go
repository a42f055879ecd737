package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rvasily/cloudchat/internal/backend"
	"github.com/rvasily/cloudchat/internal/domain"
)

// poller is one track's background readiness loop. Stopping is
// cancel-only: the loop notices on its next lock attempt, so no caller
// ever waits on it while holding the conversation lock.
type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startPollerLocked launches the readiness loop for a track. firstDelay
// seconds seed only the first probe; after that the configured interval
// applies. An existing poller on the track is replaced.
func (c *Conversation) startPollerLocked(track domain.MonitorTrack, firstDelaySeconds int) {
	if existing, ok := c.pollers[track]; ok {
		existing.cancel()
		delete(c.pollers, track)
	}

	ctx, cancel := context.WithCancel(c.orch.baseCtx)
	p := &poller{cancel: cancel, done: make(chan struct{})}
	c.pollers[track] = p

	firstDelay := time.Duration(firstDelaySeconds) * time.Second
	go c.pollLoop(ctx, p, track, firstDelay)
}

// pollLoop probes the track's target until it is ready, the monitor is
// cleared, or the context ends. Probes never overlap: the loop is strictly
// sequential and slow probes simply delay the next tick.
func (c *Conversation) pollLoop(ctx context.Context, p *poller, track domain.MonitorTrack, firstDelay time.Duration) {
	defer close(p.done)
	defer func() {
		c.mu.Lock()
		if cur, ok := c.pollers[track]; ok && cur == p {
			delete(c.pollers, track)
		}
		c.mu.Unlock()
	}()

	interval := c.orch.cfg.Polling.Interval
	heartbeat := c.orch.cfg.Polling.Heartbeat

	if firstDelay > 0 {
		select {
		case <-time.After(firstDelay):
		case <-ctx.Done():
			return
		}
	}

	lastSpoke := c.orch.now()
	for {
		if done := c.pollTick(ctx, track, heartbeat, &lastSpoke); done {
			return
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

// pollTick runs one probe cycle. Returns true when the loop should stop.
func (c *Conversation) pollTick(ctx context.Context, track domain.MonitorTrack, heartbeat time.Duration, lastSpoke *time.Time) bool {
	c.mu.Lock()
	target := c.sess.MonitorFor(track)
	if target == nil {
		// Level-triggered: someone cleared the monitor, stop quietly.
		c.mu.Unlock()
		return true
	}
	if target.Paused {
		c.mu.Unlock()
		return false
	}
	req := backend.StatusRequest{
		Track:    track,
		TargetID: target.ID,
		Category: target.Category,
		Region:   target.Region,
	}
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, c.orch.cfg.Backend.ProbeTimeout)
	snap, err := c.orch.backend.ResourceStatus(probeCtx, req)
	cancel()

	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			c.finish(func() { c.pauseTrackLocked(track) })
			return false
		}
		// Transient probe failure: skip this tick, keep the monitor.
		c.logger.Warn("status probe failed", "target", req.TargetID, "error", err)
		return false
	}

	now := c.orch.now()
	stop := false
	c.finish(func() {
		target := c.sess.MonitorFor(track)
		if target == nil {
			stop = true
			return
		}
		c.sess.RecordStatus(target.ID, *snap, now)

		// Some service probes report only a state token; treat a
		// configured ready state as settled even without the flag.
		ready := snap.Ready
		if !ready && track == domain.TrackService && IsReadyState(c.orch.cfg.Polling, snap.State) {
			ready = true
		}
		if ready {
			c.sayLocked(domain.KindText, fmt.Sprintf("%s is ready (%s).", target.ID, snap.Signature()))
			c.orch.publish(c.userID, Event{Type: EventStatus, Target: target.ID, Snapshot: snap})
			deferred := target.Deferred
			id, region := target.ID, target.Region
			c.sess.ClearMonitor(track, now)
			if deferred != nil {
				c.sayLocked(domain.KindText, "Continuing with the deployment.")
				c.runDeferredLocked(id, region, deferred)
			}
			stop = true
			return
		}

		sig := snap.Signature()
		switch {
		case sig != target.LastSignature:
			// State moved: tell the user right away and restart the
			// heartbeat window.
			target.LastSignature = sig
			c.sayLocked(domain.KindText, describeStatus(*target, snap))
			c.orch.publish(c.userID, Event{Type: EventStatus, Target: target.ID, Snapshot: snap})
			*lastSpoke = now

		case now.Sub(*lastSpoke) >= heartbeat:
			// Unchanged for a while: a quiet heartbeat so the user knows
			// polling is alive, without repeating every probe.
			c.sayLocked(domain.KindText, fmt.Sprintf("Still waiting on %s (%s).", target.ID, sig))
			c.orch.publish(c.userID, Event{Type: EventStatus, Target: target.ID, Snapshot: snap})
			*lastSpoke = now
		}
	})
	return stop
}

// pauseTrackLocked suspends probing after an authorization failure. The
// target is kept so ResumeTrack can pick it back up without re-arming.
func (c *Conversation) pauseTrackLocked(track domain.MonitorTrack) {
	target := c.sess.MonitorFor(track)
	if target == nil || target.Paused {
		return
	}
	target.Paused = true
	c.sayLocked(domain.KindText, fmt.Sprintf(
		"I lost authorization while watching %s. Monitoring is paused; renew credentials and say continue.", target.ID))
}

// ResumeTrack unpauses a paused monitor track.
func (c *Conversation) ResumeTrack(ctx context.Context, track domain.MonitorTrack) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.sess.MonitorFor(track)
	if target == nil {
		return c.stateLocked(), fmt.Errorf("no monitor on the %s track", track)
	}
	if target.Paused {
		target.Paused = false
		c.sayLocked(domain.KindText, fmt.Sprintf("Resumed watching %s.", target.ID))
	}
	if _, running := c.pollers[track]; !running {
		c.startPollerLocked(track, 0)
	}
	c.persistLocked(ctx)
	return c.stateLocked(), nil
}
