package state

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// PrintState is the device's printer state code.
type PrintState int

const (
	PrintStatePrinting PrintState = 101
	PrintStateIdle     PrintState = 102
	PrintStatePaused   PrintState = 103
)

// String returns the state name used by sensors and the HTTP API.
func (s PrintState) String() string {
	switch s {
	case PrintStatePrinting:
		return "printing"
	case PrintStateIdle:
		return "idle"
	case PrintStatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Camera holds the one-time device identity fetched at setup.
type Camera struct {
	Hardware    string `json:"hardware,omitempty"`
	Firmware    string `json:"firmware,omitempty"`
	MacAddress  string `json:"mac_address,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	NetworkType string `json:"network_type,omitempty"`
	BaudRate    string `json:"baud_rate,omitempty"`
	StreamURL   string `json:"stream_url,omitempty"`
}

// Printer merges the connection-state and temperature payloads.
// Optional fields are pointers; nil means the device did not report them.
type Printer struct {
	Connected    bool       `json:"connected"`
	PrintState   PrintState `json:"print_state"`
	HeatState    int        `json:"heat_state"`
	FanSpeed     int        `json:"fan_speed"`
	TLVSDState   int        `json:"tlv_sd_state"`
	FilamentOpen int        `json:"filament_open"`
	NozzleTemp   *float64   `json:"nozzle_temp,omitempty"`
	BedTemp      *float64   `json:"bed_temp,omitempty"`
	NozzleTarget *float64   `json:"nozzle_target,omitempty"`
	BedTarget    *float64   `json:"bed_target,omitempty"`
}

// Printing reports whether the printer is actively printing.
func (p *Printer) Printing() bool {
	return p != nil && p.PrintState == PrintStatePrinting
}

// Job merges the print-progress payload with optional model metadata.
// StartedAt/FinishAt are derived only while printing; stale counters while
// paused or stopped never produce timestamps.
type Job struct {
	FileName       string     `json:"file_name,omitempty"`
	Progress       *float64   `json:"progress,omitempty"`
	TimeLeft       *int       `json:"time_left,omitempty"`
	TimeCost       *int       `json:"time_cost,omitempty"`
	LayerIndex     *int       `json:"layer_index,omitempty"`
	LayerCount     *int       `json:"layer_count,omitempty"`
	PrintingHeight *float64   `json:"printing_height,omitempty"`
	EstimatedTotal *int       `json:"estimated_total_time,omitempty"`
	FilamentUsed   *float64   `json:"filament_used,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishAt       *time.Time `json:"finish_at,omitempty"`
}

// Timelapse holds the device's timelapse recording parameters.
type Timelapse struct {
	Enable       int    `json:"enable"`
	VideoType    string `json:"video_type,omitempty"`
	FPS          int    `json:"fps"`
	MinIntervalS int    `json:"min_interval_secs"`
	UVLayers     int    `json:"uv_layers"`
}

// Aggregate is an immutable snapshot of all device state. Each poll cycle
// builds a brand-new value; it is replaced by reference, never edited.
type Aggregate struct {
	Camera       *Camera    `json:"camera,omitempty"`
	Printer      *Printer   `json:"printer,omitempty"`
	Job          *Job       `json:"job,omitempty"`
	Timelapse    *Timelapse `json:"timelapse,omitempty"`
	LastReadTime time.Time  `json:"last_read_time"`
}

// RoundDegree rounds a device temperature to the nearest whole degree.
// The device reports whole degrees; this folds any fractional noise.
func RoundDegree(v float64) float64 {
	return math.Round(v)
}

// EventType identifies event categories.
type EventType string

const (
	EventUpdate       EventType = "update"
	EventUpdateFailed EventType = "update_failed"
	EventOffline      EventType = "offline"
)

// Event represents a state change.
type Event struct {
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Snapshot  *Aggregate `json:"snapshot,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		// Drain anything already buffered. The channel is never closed, so
		// this must not block waiting for more.
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, unsub
}

// --- Store ---

// Reader provides read-only access to the current snapshot.
type Reader interface {
	Snapshot() *Aggregate
	LastUpdateOK() bool
}

// Store holds the current aggregate with thread-safe access. The snapshot is
// swapped by reference so readers always see a complete, consistent value.
type Store struct {
	mu     sync.RWMutex
	agg    *Aggregate
	lastOK bool
	bus    *EventBus
	log    *slog.Logger
}

// NewStore creates a new store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	return &Store{bus: bus, log: log}
}

// Snapshot returns the current aggregate. Callers must not mutate it.
func (s *Store) Snapshot() *Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agg
}

// LastUpdateOK reports whether the most recent poll cycle succeeded.
func (s *Store) LastUpdateOK() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOK
}

// SetCamera records the one-time device identity fetched at setup.
func (s *Store) SetCamera(cam *Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agg == nil {
		s.agg = &Aggregate{Camera: cam}
		return
	}
	next := *s.agg
	next.Camera = cam
	s.agg = &next
}

// Replace installs a fresh aggregate and notifies subscribers. The previous
// camera identity carries over when the new aggregate has none.
func (s *Store) Replace(agg *Aggregate) {
	s.mu.Lock()
	if agg.Camera == nil && s.agg != nil {
		agg.Camera = s.agg.Camera
	}
	s.agg = agg
	s.lastOK = true
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventUpdate, Snapshot: agg})
}

// Fail marks the cycle failed, leaving the previous aggregate untouched.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	s.lastOK = false
	snap := s.agg
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventUpdateFailed, Snapshot: snap, Error: err.Error()})
}

// Offline marks the device unreachable. The last snapshot stays authoritative
// and no update-failed signal is raised; the condition is expected and
// recoverable.
func (s *Store) Offline() {
	s.mu.Lock()
	snap := s.agg
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventOffline, Snapshot: snap})
}

// Ensure Store implements Reader.
var _ Reader = (*Store)(nil)
