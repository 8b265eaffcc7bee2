package app

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sysaudio/internal/observe"
	"github.com/MrWong99/sysaudio/pkg/audio"
	"github.com/MrWong99/sysaudio/pkg/audio/capture"
	"github.com/MrWong99/sysaudio/pkg/audio/farend"
)

// ReferenceStatus is a snapshot of a [ReferenceTap].
type ReferenceStatus struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval_ns"`
	Lag       time.Duration `json:"lag_ns"`
	Taken     uint64        `json:"taken"`
	Empty     uint64        `json:"empty"`
	LastDelay time.Duration `json:"last_delay_ns"`
	LastLevel float64       `json:"last_level_dbfs"`
}

// ReferenceTap is the near-end consumer of the far-end exchange. Every tick
// it takes the frame that was playing lag ago, the way an echo canceller
// pulls its reference once per 10 ms block, and records its delay and level.
//
// The tap holds one activation on the hub while running so the backend keeps
// capturing. It never registers a delivery callback.
type ReferenceTap struct {
	hub      *capture.Hub
	metrics  *observe.Metrics
	interval time.Duration

	lag       atomic.Int64
	running   atomic.Bool
	taken     atomic.Uint64
	empty     atomic.Uint64
	lastDelay atomic.Int64
	lastLevel atomic.Uint64

	frame *farend.Frame
}

// NewReferenceTap creates a stopped tap. metrics may be nil.
func NewReferenceTap(hub *capture.Hub, interval, lag time.Duration, metrics *observe.Metrics) *ReferenceTap {
	if interval <= 0 {
		interval = audio.FarEndFrameDuration
	}
	t := &ReferenceTap{
		hub:      hub,
		metrics:  metrics,
		interval: interval,
		frame:    farend.NewFrame(),
	}
	t.lag.Store(int64(lag))
	t.lastLevel.Store(math.Float64bits(audio.MinDBFS))
	return t
}

// SetLag changes how far behind the hub clock the tap reads. Safe to call
// while running.
func (t *ReferenceTap) SetLag(lag time.Duration) {
	t.lag.Store(int64(max(lag, 0)))
}

// Lag returns the current read lag.
func (t *ReferenceTap) Lag() time.Duration {
	return time.Duration(t.lag.Load())
}

// Status returns the tap's counters.
func (t *ReferenceTap) Status() ReferenceStatus {
	return ReferenceStatus{
		Running:   t.running.Load(),
		Interval:  t.interval,
		Lag:       t.Lag(),
		Taken:     t.taken.Load(),
		Empty:     t.empty.Load(),
		LastDelay: time.Duration(t.lastDelay.Load()),
		LastLevel: math.Float64frombits(t.lastLevel.Load()),
	}
}

// Run activates capture and consumes one frame per interval until ctx ends.
// It returns ctx.Err().
func (t *ReferenceTap) Run(ctx context.Context) error {
	t.hub.Activate()
	t.running.Store(true)
	defer func() {
		t.running.Store(false)
		t.hub.Deactivate()
	}()

	slog.Info("reference tap started", "interval", t.interval, "lag", t.Lag())
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reference tap stopped", "taken", t.taken.Load())
			return ctx.Err()
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick performs one Take against the hub clock.
func (t *ReferenceTap) tick(ctx context.Context) {
	delay, ok := t.hub.Take(t.frame, t.hub.Now()-t.Lag())
	if !ok {
		t.empty.Add(1)
		return
	}
	level := audio.LevelDBFS(t.frame.Data)

	t.taken.Add(1)
	t.lastDelay.Store(int64(delay))
	t.lastLevel.Store(math.Float64bits(level))
	if t.metrics != nil {
		t.metrics.RecordReference(ctx, delay.Seconds(), level)
	}
}
