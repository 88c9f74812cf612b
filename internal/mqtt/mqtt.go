// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for the printer entities, relays print commands to
// the device, and forwards snapshot updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/tverberg/beaglecamd/internal/core/state"
)

// manufacturer is the HA device-registry manufacturer for BeagleCam units.
const manufacturer = "Mintion"

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

// Ensure StubPublisher implements Publisher.
var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	DeviceURL   string `yaml:"device_url"`
}

// ---------------------------------------------------------------------------
// PrinterCommander – abstraction over printer control methods
// ---------------------------------------------------------------------------

// PrinterCommander sends control commands to the device without importing
// the device package directly.
type PrinterCommander interface {
	StartPrint(ctx context.Context, filename string) error
	PausePrint(ctx context.Context) error
	StopPrint(ctx context.Context) error
	ConnectPrinter(ctx context.Context) error
	DisconnectPrinter(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// command topics and relays them to the printer, and forwards snapshot
// updates from the EventBus.
type HAPublisher struct {
	cfg   MQTTConfig
	cmd   PrinterCommander
	store state.Reader
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg MQTTConfig, cmd PrinterCommander, store state.Reader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:   cfg,
		cmd:   cmd,
		store: store,
		bus:   bus,
		log:   log,
		stopC: make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs, subscribes
// to command topics, publishes initial state, and starts listening on the
// EventBus for updates.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("beaglecamd-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Subscribe to EventBus.
	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	// Signal event loop to exit.
	close(p.stopC)

	// Unsubscribe from EventBus (will close channel and drain).
	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		// Publish offline before disconnecting.
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	// 1. Publish online availability (retained).
	p.publish(p.topic("status"), "online", true)

	// 2. Publish all discovery configs.
	p.publishDiscovery()

	// 3. Subscribe to command topics.
	p.subscribeCommands()

	// 4. Subscribe to HA birth topic for re-discovery.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState(p.store.Snapshot())
		}
	})

	// 5. Publish initial state snapshot.
	p.publishFullState(p.store.Snapshot())
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// deviceInfo returns the shared HA device block.
func (p *HAPublisher) deviceInfo() map[string]interface{} {
	model := "BeagleCam"
	if snap := p.store.Snapshot(); snap != nil && snap.Camera != nil && snap.Camera.Hardware != "" {
		model = snap.Camera.Hardware
	}
	dev := map[string]interface{}{
		"identifiers":  []string{p.cfg.DeviceID},
		"name":         fmt.Sprintf("BeagleCam %s", p.cfg.DeviceID),
		"manufacturer": manufacturer,
		"model":        model,
	}
	if p.cfg.DeviceURL != "" {
		dev["configuration_url"] = p.cfg.DeviceURL
	}
	return dev
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) publishDiscovery() {
	dev := p.deviceInfo()
	avail := map[string]interface{}{
		"topic": p.topic("status"),
	}
	id := p.cfg.DeviceID

	// --- Temperature sensors ---
	for _, sn := range []struct {
		objectID string
		name     string
		key      string
	}{
		{"nozzle_temp", "Nozzle Temperature", "nozzle_temp"},
		{"bed_temp", "Bed Temperature", "bed_temp"},
		{"nozzle_target", "Nozzle Target Temperature", "nozzle_target"},
		{"bed_target", "Bed Target Temperature", "bed_target"},
	} {
		p.publishDiscoveryConfig("sensor", sn.objectID, map[string]interface{}{
			"name":                sn.name,
			"unique_id":           fmt.Sprintf("%s_%s", id, sn.objectID),
			"state_topic":         p.topic("printer/state"),
			"value_template":      fmt.Sprintf("{{ value_json.%s }}", sn.key),
			"unit_of_measurement": "°C",
			"device_class":        "temperature",
			"state_class":         "measurement",
			"device":              dev,
			"availability":        avail,
		})
	}

	// --- Printer / job sensors ---
	p.publishDiscoveryConfig("sensor", "current_state", map[string]interface{}{
		"name":           "Current State",
		"unique_id":      fmt.Sprintf("%s_current_state", id),
		"state_topic":    p.topic("printer/state"),
		"value_template": "{{ value_json.state }}",
		"icon":           "mdi:printer-3d",
		"device":         dev,
		"availability":   avail,
	})

	p.publishDiscoveryConfig("sensor", "job_percentage", map[string]interface{}{
		"name":                "Job Percentage",
		"unique_id":           fmt.Sprintf("%s_job_percentage", id),
		"state_topic":         p.topic("job/state"),
		"value_template":      "{{ value_json.progress }}",
		"unit_of_measurement": "%",
		"icon":                "mdi:file-percent",
		"device":              dev,
		"availability":        avail,
	})

	p.publishDiscoveryConfig("sensor", "current_file", map[string]interface{}{
		"name":           "Current File",
		"unique_id":      fmt.Sprintf("%s_current_file", id),
		"state_topic":    p.topic("job/state"),
		"value_template": "{{ value_json.file_name }}",
		"icon":           "mdi:file-document-outline",
		"device":         dev,
		"availability":   avail,
	})

	p.publishDiscoveryConfig("sensor", "start_time", map[string]interface{}{
		"name":           "Job Start Time",
		"unique_id":      fmt.Sprintf("%s_start_time", id),
		"state_topic":    p.topic("job/state"),
		"value_template": "{{ value_json.started_at | default('') }}",
		"device_class":   "timestamp",
		"device":         dev,
		"availability":   avail,
	})

	p.publishDiscoveryConfig("sensor", "finish_time", map[string]interface{}{
		"name":           "Job Estimated Finish Time",
		"unique_id":      fmt.Sprintf("%s_finish_time", id),
		"state_topic":    p.topic("job/state"),
		"value_template": "{{ value_json.finish_at | default('') }}",
		"device_class":   "timestamp",
		"device":         dev,
		"availability":   avail,
	})

	// --- Binary sensors ---
	p.publishDiscoveryConfig("binary_sensor", "printing", map[string]interface{}{
		"name":         "Printing",
		"unique_id":    fmt.Sprintf("%s_printing", id),
		"state_topic":  p.topic("printing/state"),
		"device_class": "running",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": avail,
	})

	p.publishDiscoveryConfig("binary_sensor", "connection", map[string]interface{}{
		"name":         "Printer Connection",
		"unique_id":    fmt.Sprintf("%s_connection", id),
		"state_topic":  p.topic("connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": avail,
	})

	// --- Camera stream source ---
	p.publishDiscoveryConfig("sensor", "stream_url", map[string]interface{}{
		"name":           "Camera Stream",
		"unique_id":      fmt.Sprintf("%s_stream_url", id),
		"state_topic":    p.topic("camera/state"),
		"value_template": "{{ value_json.stream_url }}",
		"icon":           "mdi:cctv",
		"device":         dev,
		"availability":   avail,
	})

	// --- Buttons (print control) ---
	for _, bt := range []struct {
		objectID string
		name     string
		cmdSfx   string
	}{
		{"pause_print", "Pause Print", "print/pause"},
		{"stop_print", "Stop Print", "print/stop"},
		{"printer_connect", "Connect Printer", "printer/connect"},
		{"printer_disconnect", "Disconnect Printer", "printer/disconnect"},
	} {
		p.publishDiscoveryConfig("button", bt.objectID, map[string]interface{}{
			"name":          bt.name,
			"unique_id":     fmt.Sprintf("%s_%s", id, bt.objectID),
			"command_topic": p.topic(bt.cmdSfx),
			"payload_press": "PRESS",
			"device":        dev,
			"availability":  avail,
		})
	}
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(component, p.cfg.DeviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	cmds := map[string]pahomqtt.MessageHandler{
		p.topic("print/start"):        p.handleStartCmd,
		p.topic("print/pause"):        p.handlePauseCmd,
		p.topic("print/stop"):         p.handleStopCmd,
		p.topic("printer/connect"):    p.handleConnectCmd,
		p.topic("printer/disconnect"): p.handleDisconnectCmd,
	}

	for t, h := range cmds {
		token := p.client.Subscribe(t, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
		}
	}
}

// handleStartCmd starts a print; the payload is the gcode file name.
func (p *HAPublisher) handleStartCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	filename := strings.TrimSpace(string(msg.Payload()))
	if filename == "" {
		p.log.Error("start print command without a file name")
		return
	}
	p.log.Info("MQTT command: start print", "filename", filename)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.cmd.StartPrint(ctx, filename); err != nil {
		p.log.Error("failed to start print", "error", err)
	}
}

func (p *HAPublisher) handlePauseCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: pause print")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.cmd.PausePrint(ctx); err != nil {
		p.log.Error("failed to pause print", "error", err)
	}
}

func (p *HAPublisher) handleStopCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: stop print")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.cmd.StopPrint(ctx); err != nil {
		p.log.Error("failed to stop print", "error", err)
	}
}

// handleConnectCmd can take a long time when the printer is unavailable, so
// it gets a wider timeout than the other commands.
func (p *HAPublisher) handleConnectCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: connect printer")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := p.cmd.ConnectPrinter(ctx); err != nil {
		p.log.Error("failed to connect printer", "error", err)
	}
}

func (p *HAPublisher) handleDisconnectCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: disconnect printer")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.cmd.DisconnectPrinter(ctx); err != nil {
		p.log.Error("failed to disconnect printer", "error", err)
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishFullState publishes the complete snapshot.
func (p *HAPublisher) publishFullState(snap *state.Aggregate) {
	if snap == nil {
		return
	}

	p.publishPrinterState(snap.Printer)
	p.publishJobState(snap.Job)
	p.publishCameraState(snap.Camera)

	if snap.Printer != nil {
		p.publish(p.topic("printing/state"), boolToOnOff(snap.Printer.Printing()), true)
		p.publish(p.topic("connection/state"), boolToOnOff(snap.Printer.Connected), true)
	}
}

// publishPrinterState publishes the printer group as a JSON payload. Missing
// readings are omitted so sensors keep their previous value.
func (p *HAPublisher) publishPrinterState(printer *state.Printer) {
	if printer == nil {
		return
	}

	payload := map[string]interface{}{
		"state":     printer.PrintState.String(),
		"heat":      printer.HeatState,
		"fan_speed": printer.FanSpeed,
		"filament":  printer.FilamentOpen,
	}
	if printer.NozzleTemp != nil {
		payload["nozzle_temp"] = *printer.NozzleTemp
	}
	if printer.BedTemp != nil {
		payload["bed_temp"] = *printer.BedTemp
	}
	if printer.NozzleTarget != nil {
		payload["nozzle_target"] = *printer.NozzleTarget
	}
	if printer.BedTarget != nil {
		payload["bed_target"] = *printer.BedTarget
	}

	p.publishJSON(p.topic("printer/state"), payload)
}

func (p *HAPublisher) publishJobState(job *state.Job) {
	if job == nil {
		return
	}

	payload := map[string]interface{}{
		"file_name": job.FileName,
	}
	if job.Progress != nil {
		payload["progress"] = *job.Progress
	}
	if job.LayerIndex != nil {
		payload["layer_index"] = *job.LayerIndex
	}
	if job.LayerCount != nil {
		payload["layer_count"] = *job.LayerCount
	}
	if job.StartedAt != nil {
		payload["started_at"] = job.StartedAt.Format(time.RFC3339)
	} else {
		payload["started_at"] = ""
	}
	if job.FinishAt != nil {
		payload["finish_at"] = job.FinishAt.Format(time.RFC3339)
	} else {
		payload["finish_at"] = ""
	}

	p.publishJSON(p.topic("job/state"), payload)
}

func (p *HAPublisher) publishCameraState(cam *state.Camera) {
	if cam == nil {
		return
	}
	p.publishJSON(p.topic("camera/state"), map[string]interface{}{
		"stream_url": cam.StreamURL,
		"hardware":   cam.Hardware,
		"firmware":   cam.Firmware,
	})
}

func (p *HAPublisher) publishJSON(topic string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal state payload", "topic", topic, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventUpdate:
		p.publishFullState(evt.Snapshot)

	case state.EventOffline:
		// Device unreachable: sensors keep their last values but the
		// connectivity entity goes off.
		p.publish(p.topic("connection/state"), "OFF", true)

	case state.EventUpdateFailed:
		// The last good snapshot stays authoritative; nothing to publish.
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
