// Package poll runs the periodic device polling and aggregation loop. Each
// cycle probes printer connectivity, then fetches print, temperature, and
// timelapse status, merges them into a fresh snapshot, and publishes it
// through the state store. An unreachable device puts the coordinator into a
// probing mode with a fixed cool-down before the next attempt.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tverberg/beaglecamd/internal/core/device"
	"github.com/tverberg/beaglecamd/internal/core/state"
	"github.com/tverberg/beaglecamd/internal/observability"
)

// API is the device surface the coordinator needs.
type API interface {
	GetInfo(ctx context.Context) (*device.Info, error)
	GetBaudrate(ctx context.Context) (*device.Baudrate, error)
	GetConnectionState(ctx context.Context) (*device.ConnectionState, error)
	GetPrintStatus(ctx context.Context) (*device.PrintStatus, error)
	GetTemperatureStatus(ctx context.Context) (*device.TemperatureStatus, error)
	GetModelInfo(ctx context.Context, filename string) (*device.ModelInfo, error)
	GetTLVParams(ctx context.Context) (*device.TLVParams, error)
	StreamURL(withCredentials bool) string
}

// Clock abstracts time so the probing cool-down is testable without delays.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Mode is the coordinator's connectivity mode.
type Mode int

const (
	// ModeActive means the device is presumed reachable; full polling runs.
	ModeActive Mode = iota
	// ModeProbing means the device is unreachable; polling is suspended
	// until the retry deadline passes.
	ModeProbing
)

func (m Mode) String() string {
	if m == ModeProbing {
		return "probing"
	}
	return "active"
}

// Options configures a Coordinator.
type Options struct {
	Interval        time.Duration
	OfflineCooldown time.Duration
	FetchModelInfo  bool
	StreamCreds     bool
	Clock           Clock
}

// Coordinator drives the poll loop for a single device.
type Coordinator struct {
	client API
	store  *state.Store
	log    *slog.Logger

	interval       time.Duration
	cooldown       time.Duration
	fetchModelInfo bool
	streamCreds    bool
	clock          Clock

	mu      sync.Mutex
	mode    Mode
	retryAt time.Time
}

// New creates a coordinator. Zero option fields get defaults: 30s interval,
// 300s offline cool-down, real clock.
func New(client API, store *state.Store, opts Options, log *slog.Logger) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.OfflineCooldown <= 0 {
		opts.OfflineCooldown = 300 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Coordinator{
		client:         client,
		store:          store,
		log:            log,
		interval:       opts.Interval,
		cooldown:       opts.OfflineCooldown,
		fetchModelInfo: opts.FetchModelInfo,
		streamCreds:    opts.StreamCreds,
		clock:          opts.Clock,
		mode:           ModeActive,
	}
}

// Setup performs the one-time fetch of the device identity. Failure here is
// fatal to setup; the owner retries it on its own schedule.
func (c *Coordinator) Setup(ctx context.Context) error {
	info, err := c.client.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("poll: setup: %w", err)
	}

	cam := &state.Camera{
		Hardware:    info.Hardware,
		Firmware:    info.Firmware,
		MacAddress:  info.MacAddress,
		IPAddress:   info.IPAddress,
		NetworkType: info.NetworkType,
		StreamURL:   c.client.StreamURL(c.streamCreds),
	}

	// Baud rate rounds out the identity but its absence is not fatal.
	if baud, err := c.client.GetBaudrate(ctx); err == nil {
		cam.BaudRate = baud.Baudrate
	} else {
		c.log.Warn("baud rate fetch failed during setup", "error", err)
	}

	c.store.SetCamera(cam)
	c.log.Info("device identity fetched", "hardware", cam.Hardware, "firmware", cam.Firmware)
	return nil
}

// Mode returns the current connectivity mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// RetryAt returns the probing retry deadline; zero while active.
func (c *Coordinator) RetryAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryAt
}

func (c *Coordinator) setMode(m Mode, retryAt time.Time) {
	c.mu.Lock()
	c.mode = m
	c.retryAt = retryAt
	c.mu.Unlock()
}

// Run polls on the configured interval until ctx is cancelled. Cycles never
// overlap: each tick runs one cycle to completion on this goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("poll loop stopping")
			return
		case <-ticker.C:
			c.RunCycle(ctx)
		}
	}
}

// RunCycle executes a single poll cycle, honoring the probing cool-down.
func (c *Coordinator) RunCycle(ctx context.Context) {
	now := c.clock.Now()

	c.mu.Lock()
	waiting := c.mode == ModeProbing && now.Before(c.retryAt)
	retryAt := c.retryAt
	c.mu.Unlock()
	if waiting {
		c.log.Debug("device offline, waiting for retry deadline", "retry_at", retryAt)
		observability.ObservePoll("skipped", 0)
		return
	}

	conn, err := c.client.GetConnectionState(ctx)
	if err != nil {
		// Expected and recoverable: back off without touching the snapshot
		// and without calling any other command this cycle.
		c.setMode(ModeProbing, now.Add(c.cooldown))
		c.log.Debug("device unreachable, entering probing mode", "cooldown", c.cooldown, "error", err)
		c.store.Offline()
		observability.ObservePoll("offline", 0)
		return
	}
	c.setMode(ModeActive, time.Time{})

	agg, err := c.collect(ctx, conn, now)
	if err != nil {
		c.log.Warn("poll cycle failed", "error", err)
		c.store.Fail(err)
		observability.ObservePoll("failed", 0)
		return
	}

	c.store.Replace(agg)
	observability.ObservePoll("ok", c.clock.Now().Sub(now))
}

// collect runs the full Active sequence and builds a fresh aggregate.
func (c *Coordinator) collect(ctx context.Context, conn *device.ConnectionState, now time.Time) (*state.Aggregate, error) {
	ps, err := c.client.GetPrintStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("print status: %w", err)
	}
	ts, err := c.client.GetTemperatureStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("temperature status: %w", err)
	}

	printer := buildPrinter(conn, ts)
	job := buildJob(ps, printer, now)

	if c.fetchModelInfo && ps.FileName != "" {
		mi, err := c.client.GetModelInfo(ctx, ps.FileName)
		if err != nil {
			return nil, fmt.Errorf("model info: %w", err)
		}
		job.LayerCount = mi.LayerCount
		job.EstimatedTotal = mi.EstimatedTotalTime
		job.FilamentUsed = mi.FilamentTotalUsed
	}

	params, err := c.client.GetTLVParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("timelapse params: %w", err)
	}
	tlv := &state.Timelapse{
		Enable:       params.Enable,
		VideoType:    params.VideoType,
		FPS:          params.FPS,
		MinIntervalS: params.MinInrSecs,
		UVLayers:     params.UVLayers,
	}

	return &state.Aggregate{
		Printer:      printer,
		Job:          job,
		Timelapse:    tlv,
		LastReadTime: now,
	}, nil
}

func buildPrinter(conn *device.ConnectionState, ts *device.TemperatureStatus) *state.Printer {
	return &state.Printer{
		Connected:    conn.ConnectState == 1,
		PrintState:   state.PrintState(conn.PrintState),
		HeatState:    conn.HeatState,
		FanSpeed:     conn.FanSpeed,
		TLVSDState:   conn.TLVSDState,
		FilamentOpen: conn.FilamentOpen,
		NozzleTemp:   roundTemp(ts.NozzleTemp),
		BedTemp:      roundTemp(ts.BedTemp),
		NozzleTarget: roundTemp(ts.NozzleTarget),
		BedTarget:    roundTemp(ts.BedTarget),
	}
}

func buildJob(ps *device.PrintStatus, printer *state.Printer, now time.Time) *state.Job {
	job := &state.Job{
		FileName:       ps.FileName,
		Progress:       ps.Progress,
		TimeLeft:       ps.TimeLeft,
		TimeCost:       ps.TimeCost,
		LayerIndex:     ps.LayerIndex,
		PrintingHeight: ps.PrintingHeight,
	}

	// Time-based fields exist only while actively printing; the device
	// freezes the counters while paused or stopped and those stale values
	// must not produce timestamps.
	if printer.Printing() {
		if job.TimeCost != nil && *job.TimeCost != 0 {
			t := now.Add(-time.Duration(*job.TimeCost) * time.Second).Truncate(time.Minute)
			job.StartedAt = &t
		}
		if job.TimeLeft != nil && *job.TimeLeft != 0 {
			t := now.Add(time.Duration(*job.TimeLeft) * time.Second).Truncate(time.Minute)
			job.FinishAt = &t
		}
	}
	return job
}

func roundTemp(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := state.RoundDegree(*v)
	return &r
}
