package mqtt

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/tverberg/beaglecamd/internal/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReader struct {
	snap *state.Aggregate
}

func (f *fakeReader) Snapshot() *state.Aggregate { return f.snap }
func (f *fakeReader) LastUpdateOK() bool         { return true }

func TestTopicLayout(t *testing.T) {
	p := &HAPublisher{cfg: MQTTConfig{TopicPrefix: "beaglecam", DeviceID: "cam1"}}

	if got := p.topic("printer/state"); got != "beaglecam/cam1/printer/state" {
		t.Fatalf("topic = %q", got)
	}
	if got := p.topic("status"); got != "beaglecam/cam1/status" {
		t.Fatalf("availability topic = %q", got)
	}
}

func TestDiscoveryTopic(t *testing.T) {
	got := discoveryTopic("sensor", "cam1", "nozzle_temp")
	if got != "homeassistant/sensor/cam1_nozzle_temp/config" {
		t.Fatalf("discovery topic = %q", got)
	}
}

func TestDeviceInfo(t *testing.T) {
	p := &HAPublisher{
		cfg: MQTTConfig{DeviceID: "cam1", DeviceURL: "http://192.168.1.50"},
		store: &fakeReader{snap: &state.Aggregate{
			Camera: &state.Camera{Hardware: "BC-01"},
		}},
	}

	dev := p.deviceInfo()
	if dev["manufacturer"] != manufacturer {
		t.Fatalf("manufacturer = %v", dev["manufacturer"])
	}
	if dev["model"] != "BC-01" {
		t.Fatalf("model = %v", dev["model"])
	}
	if dev["configuration_url"] != "http://192.168.1.50" {
		t.Fatalf("configuration_url = %v", dev["configuration_url"])
	}
}

func TestDeviceInfoFallbackModel(t *testing.T) {
	p := &HAPublisher{cfg: MQTTConfig{DeviceID: "cam1"}, store: &fakeReader{}}

	dev := p.deviceInfo()
	if dev["model"] != "BeagleCam" {
		t.Fatalf("model = %v", dev["model"])
	}
	if _, ok := dev["configuration_url"]; ok {
		t.Fatal("configuration_url should be absent when unset")
	}
}

func TestStubPublisher(t *testing.T) {
	s := NewStubPublisher(testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestBoolToOnOff(t *testing.T) {
	if boolToOnOff(true) != "ON" || boolToOnOff(false) != "OFF" {
		t.Fatal("unexpected ON/OFF mapping")
	}
}
