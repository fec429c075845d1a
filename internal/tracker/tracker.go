package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/pscheid92/streamgate/internal/logging"
	"github.com/pscheid92/streamgate/internal/metrics"
)

const (
	disconnectGrace = 2 * time.Second
	publishTimeout  = 3 * time.Second

	// emptySweepsBeforeClear is how many consecutive empty directory reads
	// it takes before all tracked state is dropped. One empty read can be a
	// transient directory hiccup; two in a row means nothing is live.
	emptySweepsBeforeClear = 2
)

// ConnectionSource reports which users currently hold open connections on
// this instance. The connection registry implements it.
type ConnectionSource interface {
	ActiveUserIDs() []string
	HasActiveUser(userID string) bool
}

// trackerCmd is the command interface for the Tracker actor.
type trackerCmd interface{ isTrackerCmd() }

type baseTrackerCmd struct{}

func (baseTrackerCmd) isTrackerCmd() {}

type addViewerCmd struct {
	baseTrackerCmd
	userID   string
	streamID string
}

type removeViewerCmd struct {
	baseTrackerCmd
	userID   string
	streamID string
}

type removeUserCmd struct {
	baseTrackerCmd
	userID string
}

type markDisconnectedCmd struct {
	baseTrackerCmd
	userID string
}

type graceExpiredCmd struct {
	baseTrackerCmd
	userID string
}

type viewerCountCmd struct {
	baseTrackerCmd
	streamID string
	replyCh  chan int
}

type allCountsCmd struct {
	baseTrackerCmd
	replyCh chan map[string]int
}

type stopTrackerCmd struct {
	baseTrackerCmd
}

// Tracker maintains per-stream viewer sets. A user watches at most one
// stream at a time; adding them to a new stream evicts them from the old
// one first. Counts are published on every change and re-published by a
// periodic reconciliation sweep against the live-stream directory.
type Tracker struct {
	cmdCh     chan trackerCmd
	clock     clockwork.Clock
	publisher domain.ViewerCountPublisher
	directory domain.LiveStreamDirectory
	conns     ConnectionSource

	viewers     map[string]map[string]struct{}
	watchedBy   map[string]string
	graceTimers map[string]clockwork.Timer
	emptySweeps int

	reconcileInterval time.Duration
	done              chan struct{}
}

func New(publisher domain.ViewerCountPublisher, directory domain.LiveStreamDirectory, conns ConnectionSource, clock clockwork.Clock, reconcileInterval time.Duration) *Tracker {
	return &Tracker{
		cmdCh:             make(chan trackerCmd, 256),
		clock:             clock,
		publisher:         publisher,
		directory:         directory,
		conns:             conns,
		viewers:           make(map[string]map[string]struct{}),
		watchedBy:         make(map[string]string),
		graceTimers:       make(map[string]clockwork.Timer),
		reconcileInterval: reconcileInterval,
		done:              make(chan struct{}),
	}
}

// Start launches the actor goroutine and the reconciliation ticker.
func (t *Tracker) Start() {
	go t.run()
}

// Stop halts the actor. Pending grace timers are discarded.
func (t *Tracker) Stop() {
	t.cmdCh <- stopTrackerCmd{}
	<-t.done
}

// AddViewer records that the user is watching the stream. Idempotent for
// the same stream; watching a different stream moves the user.
func (t *Tracker) AddViewer(userID, streamID string) {
	if userID == "" || streamID == "" {
		return
	}
	t.cmdCh <- addViewerCmd{userID: userID, streamID: streamID}
}

// RemoveViewer removes the user from the stream's viewer set. No-op if the
// user is not watching that stream.
func (t *Tracker) RemoveViewer(userID, streamID string) {
	t.cmdCh <- removeViewerCmd{userID: userID, streamID: streamID}
}

// RemoveUserFromAllStreams drops the user's viewership entirely.
func (t *Tracker) RemoveUserFromAllStreams(userID string) {
	t.cmdCh <- removeUserCmd{userID: userID}
}

// MarkDisconnected starts the disconnect grace window. If the user still has
// no open connection when it expires, their viewership is dropped. A quick
// reconnect within the window keeps the count stable.
func (t *Tracker) MarkDisconnected(userID string) {
	if userID == "" {
		return
	}
	t.cmdCh <- markDisconnectedCmd{userID: userID}
}

// ViewerCount returns the current viewer count for a stream.
func (t *Tracker) ViewerCount(streamID string) int {
	replyCh := make(chan int, 1)
	t.cmdCh <- viewerCountCmd{streamID: streamID, replyCh: replyCh}
	return <-replyCh
}

// AllViewerCounts returns a snapshot of every tracked stream's count.
func (t *Tracker) AllViewerCounts() map[string]int {
	replyCh := make(chan map[string]int, 1)
	t.cmdCh <- allCountsCmd{replyCh: replyCh}
	return <-replyCh
}

func (t *Tracker) run() {
	defer close(t.done)

	ticker := t.clock.NewTicker(t.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-t.cmdCh:
			switch c := cmd.(type) {
			case addViewerCmd:
				t.handleAdd(c.userID, c.streamID)
			case removeViewerCmd:
				t.handleRemove(c.userID, c.streamID)
			case removeUserCmd:
				t.handleRemoveUser(c.userID)
			case markDisconnectedCmd:
				t.handleMarkDisconnected(c.userID)
			case graceExpiredCmd:
				t.handleGraceExpired(c.userID)
			case viewerCountCmd:
				c.replyCh <- len(t.viewers[c.streamID])
			case allCountsCmd:
				c.replyCh <- t.handleAllCounts()
			case stopTrackerCmd:
				t.handleStop()
				return
			}
		case <-ticker.Chan():
			t.handleReconcile()
		}
	}
}

func (t *Tracker) handleAdd(userID, streamID string) {
	t.cancelGrace(userID)

	if t.watchedBy[userID] == streamID {
		return
	}

	// One stream per user: leaving the previous stream comes first, and its
	// count change is published before the new stream's.
	if prev, ok := t.watchedBy[userID]; ok {
		t.removeFromSet(userID, prev)
		t.publish(prev, "change")
	}

	set, exists := t.viewers[streamID]
	if !exists {
		set = make(map[string]struct{})
		t.viewers[streamID] = set
	}
	set[userID] = struct{}{}
	t.watchedBy[userID] = streamID

	t.updateGauges()
	t.publish(streamID, "change")
}

func (t *Tracker) handleRemove(userID, streamID string) {
	if t.watchedBy[userID] != streamID {
		return
	}

	t.removeFromSet(userID, streamID)
	t.updateGauges()
	t.publish(streamID, "change")
}

func (t *Tracker) handleRemoveUser(userID string) {
	streamID, ok := t.watchedBy[userID]
	if !ok {
		return
	}

	t.removeFromSet(userID, streamID)
	t.updateGauges()
	t.publish(streamID, "change")
}

// removeFromSet updates both indexes and never leaves an empty viewer set
// behind.
func (t *Tracker) removeFromSet(userID, streamID string) {
	delete(t.watchedBy, userID)
	if set, ok := t.viewers[streamID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(t.viewers, streamID)
		}
	}
}

func (t *Tracker) handleMarkDisconnected(userID string) {
	if _, watching := t.watchedBy[userID]; !watching {
		return
	}
	if _, pending := t.graceTimers[userID]; pending {
		return
	}

	t.graceTimers[userID] = t.clock.AfterFunc(disconnectGrace, func() {
		t.cmdCh <- graceExpiredCmd{userID: userID}
	})
}

func (t *Tracker) handleGraceExpired(userID string) {
	delete(t.graceTimers, userID)

	// The user came back within the window on some connection; keep their
	// viewership untouched.
	if t.conns.HasActiveUser(userID) {
		return
	}

	t.handleRemoveUser(userID)
}

func (t *Tracker) cancelGrace(userID string) {
	if timer, ok := t.graceTimers[userID]; ok {
		timer.Stop()
		delete(t.graceTimers, userID)
	}
}

func (t *Tracker) handleAllCounts() map[string]int {
	counts := make(map[string]int, len(t.viewers))
	for streamID, set := range t.viewers {
		counts[streamID] = len(set)
	}
	return counts
}

// handleReconcile trues tracked state up against the live-stream directory
// and the local connection registry, then republishes every tracked count
// so downstream consumers recover from any missed update.
func (t *Tracker) handleReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	live, err := t.directory.ListLive(ctx)
	cancel()

	if err != nil {
		metrics.ReconcileSweeps.WithLabelValues("directory_error").Inc()
		slog.Warn("Reconcile sweep skipped eviction, directory unavailable", "error", err)
		t.republishAll()
		return
	}

	if len(live) == 0 {
		t.emptySweeps++
		if t.emptySweeps >= emptySweepsBeforeClear && len(t.viewers) > 0 {
			t.clearAll()
			metrics.ReconcileSweeps.WithLabelValues("cleared").Inc()
			return
		}
		metrics.ReconcileSweeps.WithLabelValues("ok").Inc()
		t.republishAll()
		return
	}
	t.emptySweeps = 0

	liveSet := make(map[string]struct{}, len(live))
	for _, s := range live {
		liveSet[s.ID] = struct{}{}
	}

	activeSet := make(map[string]struct{})
	for _, userID := range t.conns.ActiveUserIDs() {
		activeSet[userID] = struct{}{}
	}

	// Streams that stopped being live lose their whole viewer set; live
	// streams lose members whose connections are gone and no grace window
	// is pending for them.
	for streamID, set := range t.viewers {
		if _, isLive := liveSet[streamID]; !isLive {
			for userID := range set {
				delete(t.watchedBy, userID)
				t.cancelGrace(userID)
				metrics.ReconcileEvictions.Inc()
			}
			delete(t.viewers, streamID)
			t.publish(streamID, "reconcile")
			continue
		}

		for userID := range set {
			if _, active := activeSet[userID]; active {
				continue
			}
			if _, pending := t.graceTimers[userID]; pending {
				continue
			}
			t.removeFromSet(userID, streamID)
			metrics.ReconcileEvictions.Inc()
		}

		// Evicting the last member deletes the stream entry, so the
		// republish below would skip it. The final zero still has to go out.
		if _, tracked := t.viewers[streamID]; !tracked {
			t.publish(streamID, "reconcile")
		}
	}

	t.updateGauges()
	t.republishAll()
	metrics.ReconcileSweeps.WithLabelValues("ok").Inc()
}

func (t *Tracker) republishAll() {
	for streamID := range t.viewers {
		t.publish(streamID, "reconcile")
	}
}

func (t *Tracker) clearAll() {
	slog.Info("Clearing all tracked viewers, directory empty across consecutive sweeps", "streams", len(t.viewers))

	for streamID, set := range t.viewers {
		for userID := range set {
			delete(t.watchedBy, userID)
			t.cancelGrace(userID)
		}
		delete(t.viewers, streamID)
		t.publish(streamID, "reconcile")
	}
	t.emptySweeps = 0
	t.updateGauges()
}

func (t *Tracker) handleStop() {
	for userID, timer := range t.graceTimers {
		timer.Stop()
		delete(t.graceTimers, userID)
	}
}

func (t *Tracker) publish(streamID, trigger string) {
	update := domain.NewViewerCountUpdate(len(t.viewers[streamID]), t.clock.Now().UTC())

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := t.publisher.PublishViewerCount(ctx, streamID, update); err != nil {
		logging.WithStream(streamID).Warn("Failed to publish viewer count", "error", err)
		return
	}
	metrics.ViewerCountPublishes.WithLabelValues(trigger).Inc()
}

func (t *Tracker) updateGauges() {
	metrics.TrackedStreams.Set(float64(len(t.viewers)))
	metrics.TrackedViewers.Set(float64(len(t.watchedBy)))
}
