package poll

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tverberg/beaglecamd/internal/core/device"
	"github.com/tverberg/beaglecamd/internal/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeAPI implements the API interface with canned responses and records
// which commands were issued.
type fakeAPI struct {
	calls []string

	info     *device.Info
	infoErr  error
	baud     *device.Baudrate
	baudErr  error
	conn     *device.ConnectionState
	connErr  error
	print    *device.PrintStatus
	printErr error
	temp     *device.TemperatureStatus
	tempErr  error
	model    *device.ModelInfo
	modelErr error
	tlv      *device.TLVParams
	tlvErr   error
}

func (f *fakeAPI) GetInfo(_ context.Context) (*device.Info, error) {
	f.calls = append(f.calls, "info")
	return f.info, f.infoErr
}

func (f *fakeAPI) GetBaudrate(_ context.Context) (*device.Baudrate, error) {
	f.calls = append(f.calls, "baudrate")
	return f.baud, f.baudErr
}

func (f *fakeAPI) GetConnectionState(_ context.Context) (*device.ConnectionState, error) {
	f.calls = append(f.calls, "connection")
	return f.conn, f.connErr
}

func (f *fakeAPI) GetPrintStatus(_ context.Context) (*device.PrintStatus, error) {
	f.calls = append(f.calls, "print")
	return f.print, f.printErr
}

func (f *fakeAPI) GetTemperatureStatus(_ context.Context) (*device.TemperatureStatus, error) {
	f.calls = append(f.calls, "temperature")
	return f.temp, f.tempErr
}

func (f *fakeAPI) GetModelInfo(_ context.Context, _ string) (*device.ModelInfo, error) {
	f.calls = append(f.calls, "model")
	return f.model, f.modelErr
}

func (f *fakeAPI) GetTLVParams(_ context.Context) (*device.TLVParams, error) {
	f.calls = append(f.calls, "tlv")
	return f.tlv, f.tlvErr
}

func (f *fakeAPI) StreamURL(_ bool) string { return "rtsp://192.168.1.50:554/0" }

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

// healthyAPI returns a fake device that answers every poll command.
func healthyAPI() *fakeAPI {
	return &fakeAPI{
		conn: &device.ConnectionState{ConnectState: 1, PrintState: 101},
		print: &device.PrintStatus{
			FileName: "benchy.gcode",
			Progress: floatPtr(10),
			TimeLeft: intPtr(900),
			TimeCost: intPtr(300),
		},
		temp: &device.TemperatureStatus{
			NozzleTemp: floatPtr(14.2),
			BedTemp:    floatPtr(20),
		},
		tlv: &device.TLVParams{Enable: 1, VideoType: "mp4", FPS: 30},
	}
}

func newTestCoordinator(api *fakeAPI, clock Clock, opts Options) (*Coordinator, *state.Store) {
	log := testLogger()
	bus := state.NewEventBus(log)
	store := state.NewStore(bus, log)
	opts.Clock = clock
	return New(api, store, opts, log), store
}

func TestSetupFetchesIdentity(t *testing.T) {
	api := healthyAPI()
	api.info = &device.Info{
		Hardware:    "BC-01",
		Firmware:    "1.2.3",
		MacAddress:  "aa:bb:cc:dd:ee:ff",
		IPAddress:   "192.168.1.50",
		NetworkType: "wifi",
	}
	api.baud = &device.Baudrate{Baudrate: "115200"}

	coord, store := newTestCoordinator(api, &fakeClock{}, Options{})
	if err := coord.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	cam := store.Snapshot().Camera
	if cam == nil {
		t.Fatal("no camera identity stored")
	}
	if cam.Hardware != "BC-01" || cam.Firmware != "1.2.3" || cam.BaudRate != "115200" {
		t.Fatalf("unexpected camera: %+v", cam)
	}
	if cam.StreamURL != "rtsp://192.168.1.50:554/0" {
		t.Fatalf("stream url = %q", cam.StreamURL)
	}
}

func TestSetupBaudrateFailureNotFatal(t *testing.T) {
	api := healthyAPI()
	api.info = &device.Info{Hardware: "BC-01"}
	api.baudErr = errors.New("timeout")

	coord, store := newTestCoordinator(api, &fakeClock{}, Options{})
	if err := coord.Setup(context.Background()); err != nil {
		t.Fatalf("Setup should tolerate baud rate failure: %v", err)
	}
	if store.Snapshot().Camera.BaudRate != "" {
		t.Fatal("baud rate should be empty after fetch failure")
	}
}

func TestSetupInfoFailureIsFatal(t *testing.T) {
	api := healthyAPI()
	api.infoErr = errors.New("unreachable")

	coord, _ := newTestCoordinator(api, &fakeClock{}, Options{})
	if err := coord.Setup(context.Background()); err == nil {
		t.Fatal("Setup should fail when the identity fetch fails")
	}
}

func TestCycleBuildsSnapshot(t *testing.T) {
	api := healthyAPI()
	base := time.Date(2026, 8, 30, 12, 0, 30, 0, time.UTC)
	clock := &fakeClock{now: base}

	coord, store := newTestCoordinator(api, clock, Options{})
	coord.RunCycle(context.Background())

	snap := store.Snapshot()
	if snap == nil {
		t.Fatal("no snapshot after cycle")
	}
	if !store.LastUpdateOK() {
		t.Fatal("cycle should be marked ok")
	}
	if !snap.Printer.Connected || snap.Printer.PrintState != state.PrintStatePrinting {
		t.Fatalf("unexpected printer: %+v", snap.Printer)
	}
	if snap.Printer.NozzleTemp == nil || *snap.Printer.NozzleTemp != 14 {
		t.Fatalf("nozzle temp not rounded to whole degree: %v", snap.Printer.NozzleTemp)
	}
	if snap.Job.Progress == nil || *snap.Job.Progress != 10 {
		t.Fatalf("progress = %v", snap.Job.Progress)
	}
	if snap.Timelapse == nil || snap.Timelapse.FPS != 30 {
		t.Fatalf("timelapse = %+v", snap.Timelapse)
	}
	if !snap.LastReadTime.Equal(base) {
		t.Fatalf("last read time = %v", snap.LastReadTime)
	}
}

func TestDerivedTimesWhilePrinting(t *testing.T) {
	api := healthyAPI()
	base := time.Date(2026, 8, 30, 12, 0, 30, 0, time.UTC)
	clock := &fakeClock{now: base}

	coord, store := newTestCoordinator(api, clock, Options{})
	coord.RunCycle(context.Background())

	job := store.Snapshot().Job
	wantStart := base.Add(-300 * time.Second).Truncate(time.Minute)
	wantFinish := base.Add(900 * time.Second).Truncate(time.Minute)
	if job.StartedAt == nil || !job.StartedAt.Equal(wantStart) {
		t.Fatalf("started_at = %v, want %v", job.StartedAt, wantStart)
	}
	if job.FinishAt == nil || !job.FinishAt.Equal(wantFinish) {
		t.Fatalf("finish_at = %v, want %v", job.FinishAt, wantFinish)
	}
}

func TestNoTimestampsWhilePaused(t *testing.T) {
	api := healthyAPI()
	// The device freezes the counters while paused; stale values must not
	// produce timestamps.
	api.conn.PrintState = 103

	coord, store := newTestCoordinator(api, &fakeClock{now: time.Now()}, Options{})
	coord.RunCycle(context.Background())

	job := store.Snapshot().Job
	if job.StartedAt != nil || job.FinishAt != nil {
		t.Fatalf("timestamps derived from a paused printer: %+v", job)
	}
	if job.TimeLeft == nil || *job.TimeLeft != 900 {
		t.Fatalf("raw counters should still pass through: %+v", job)
	}
}

func TestZeroCountersProduceNoTimestamps(t *testing.T) {
	api := healthyAPI()
	api.print.TimeCost = intPtr(0)
	api.print.TimeLeft = intPtr(0)

	coord, store := newTestCoordinator(api, &fakeClock{now: time.Now()}, Options{})
	coord.RunCycle(context.Background())

	job := store.Snapshot().Job
	if job.StartedAt != nil || job.FinishAt != nil {
		t.Fatalf("zero counters must not produce timestamps: %+v", job)
	}
}

func TestProbeFailureEntersProbing(t *testing.T) {
	api := healthyAPI()
	api.connErr = errors.New("connection refused")
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}

	coord, store := newTestCoordinator(api, clock, Options{OfflineCooldown: 300 * time.Second})
	coord.RunCycle(context.Background())

	if coord.Mode() != ModeProbing {
		t.Fatalf("mode = %v, want probing", coord.Mode())
	}
	if want := base.Add(300 * time.Second); !coord.RetryAt().Equal(want) {
		t.Fatalf("retry at = %v, want %v", coord.RetryAt(), want)
	}
	// Only the probe ran; no other command was attempted.
	if len(api.calls) != 1 || api.calls[0] != "connection" {
		t.Fatalf("calls = %v, want only the probe", api.calls)
	}
	// An unreachable device is not an update failure.
	if store.Snapshot() != nil {
		t.Fatal("snapshot should be untouched")
	}
}

func TestProbingSkipsUntilDeadline(t *testing.T) {
	api := healthyAPI()
	api.connErr = errors.New("connection refused")
	clock := &fakeClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}

	coord, store := newTestCoordinator(api, clock, Options{OfflineCooldown: 300 * time.Second})
	coord.RunCycle(context.Background())
	probeCalls := len(api.calls)

	// Before the deadline nothing is attempted at all.
	clock.Advance(60 * time.Second)
	coord.RunCycle(context.Background())
	if len(api.calls) != probeCalls {
		t.Fatalf("device contacted during cool-down: %v", api.calls)
	}

	// Past the deadline the probe runs again and, with the device back,
	// the coordinator returns to active polling.
	api.connErr = nil
	clock.Advance(241 * time.Second)
	coord.RunCycle(context.Background())
	if coord.Mode() != ModeActive {
		t.Fatalf("mode = %v, want active", coord.Mode())
	}
	if store.Snapshot() == nil || store.Snapshot().Printer == nil {
		t.Fatal("no snapshot after recovery")
	}
}

func TestTransientFailureKeepsLastSnapshot(t *testing.T) {
	api := healthyAPI()
	clock := &fakeClock{now: time.Now()}

	coord, store := newTestCoordinator(api, clock, Options{})
	coord.RunCycle(context.Background())
	first := store.Snapshot()

	api.printErr = errors.New("read timeout")
	coord.RunCycle(context.Background())

	if store.LastUpdateOK() {
		t.Fatal("failed cycle should clear the ok flag")
	}
	if store.Snapshot() != first {
		t.Fatal("failed cycle must not replace the snapshot")
	}
	if coord.Mode() != ModeActive {
		t.Fatalf("mid-cycle failure must not enter probing, mode = %v", coord.Mode())
	}
}

func TestTimelapseParamsFailureFailsCycle(t *testing.T) {
	api := healthyAPI()
	clock := &fakeClock{now: time.Now()}

	coord, store := newTestCoordinator(api, clock, Options{})
	coord.RunCycle(context.Background())
	first := store.Snapshot()

	api.tlvErr = errors.New("read timeout")
	coord.RunCycle(context.Background())

	if store.LastUpdateOK() {
		t.Fatal("timelapse fetch failure should fail the cycle")
	}
	if store.Snapshot() != first {
		t.Fatal("failed cycle must not replace the snapshot")
	}
}

func TestModelInfoEnrichesJob(t *testing.T) {
	api := healthyAPI()
	api.model = &device.ModelInfo{
		LayerCount:         intPtr(240),
		EstimatedTotalTime: intPtr(3600),
		FilamentTotalUsed:  floatPtr(12.5),
	}

	coord, store := newTestCoordinator(api, &fakeClock{now: time.Now()}, Options{FetchModelInfo: true})
	coord.RunCycle(context.Background())

	job := store.Snapshot().Job
	if job.LayerCount == nil || *job.LayerCount != 240 {
		t.Fatalf("layer count = %v", job.LayerCount)
	}
	if job.EstimatedTotal == nil || *job.EstimatedTotal != 3600 {
		t.Fatalf("estimated total = %v", job.EstimatedTotal)
	}
}

func TestSnapshotCarriesNoWireFields(t *testing.T) {
	api := healthyAPI()
	coord, store := newTestCoordinator(api, &fakeClock{now: time.Now()}, Options{})
	coord.RunCycle(context.Background())

	raw, err := json.Marshal(store.Snapshot())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	// The protocol's cmd/result echoes stop at the device layer; the
	// published aggregate must never carry them.
	for _, key := range []string{`"cmd"`, `"result"`} {
		if strings.Contains(string(raw), key) {
			t.Fatalf("snapshot leaks wire field %s: %s", key, raw)
		}
	}
}

func TestModelInfoSkippedWithoutFile(t *testing.T) {
	api := healthyAPI()
	api.print.FileName = ""

	coord, _ := newTestCoordinator(api, &fakeClock{now: time.Now()}, Options{FetchModelInfo: true})
	coord.RunCycle(context.Background())

	for _, call := range api.calls {
		if call == "model" {
			t.Fatal("model info fetched with no active file")
		}
	}
}
