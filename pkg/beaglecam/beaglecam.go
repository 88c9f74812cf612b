// Package beaglecam provides a public facade re-exporting core types
// for external consumers of this module.
package beaglecam

import (
	"github.com/tverberg/beaglecamd/internal/core/device"
	"github.com/tverberg/beaglecamd/internal/core/poll"
	"github.com/tverberg/beaglecamd/internal/core/state"
)

// Re-export core types for external use.
type (
	// Client issues commands to a BeagleCam device.
	Client = device.Client
	// Info is the camera identity payload.
	Info = device.Info
	// ConnectionState is the printer connectivity payload.
	ConnectionState = device.ConnectionState
	// PrintStatus is the print progress payload.
	PrintStatus = device.PrintStatus
	// TemperatureStatus holds nozzle and bed temperatures.
	TemperatureStatus = device.TemperatureStatus
	// FileList is a device file listing.
	FileList = device.FileList
	// Coordinator polls the device and maintains the snapshot.
	Coordinator = poll.Coordinator
	// Mode is the coordinator availability mode.
	Mode = poll.Mode
	// Aggregate is a snapshot of all device state.
	Aggregate = state.Aggregate
	// Printer is the printer portion of a snapshot.
	Printer = state.Printer
	// Job is the print job portion of a snapshot.
	Job = state.Job
	// PrintState is the device's printer state code.
	PrintState = state.PrintState
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// EventBus is a publish/subscribe event bus.
	EventBus = state.EventBus
	// Store holds the current snapshot.
	Store = state.Store
)

// NewClient creates a device client; see device.NewClient.
var NewClient = device.NewClient

// Print state constants.
const (
	PrintStatePrinting = state.PrintStatePrinting
	PrintStateIdle     = state.PrintStateIdle
	PrintStatePaused   = state.PrintStatePaused
)

// Coordinator mode constants.
const (
	ModeActive  = poll.ModeActive
	ModeProbing = poll.ModeProbing
)

// Event type constants.
const (
	EventUpdate       = state.EventUpdate
	EventUpdateFailed = state.EventUpdateFailed
	EventOffline      = state.EventOffline
)
