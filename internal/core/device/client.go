// Package device implements the BeagleCam JSON-over-HTTP command protocol.
// Every printer and camera operation is a POST of {cmd, pro, user, pwd, ...}
// to a single endpoint; the response is JSON carrying at least a numeric
// result field. The client holds no retry or backoff policy; that belongs to
// the polling coordinator.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tverberg/beaglecamd/internal/observability"
)

// Command codes understood by the device.
const (
	cmdCheckUser       = 100
	cmdInfo            = 101
	cmdRecParams       = 121
	cmdVideoMode       = 135
	cmdOSD             = 171
	cmdUpdateCheck     = 219
	cmdBaudrate        = 251
	cmdModel           = 253
	cmdTempInfo        = 302
	cmdConnectPrinter  = 310
	cmdDisconnect      = 311
	cmdConnectionState = 312
	cmdStartPrint      = 313
	cmdPausePrint      = 314
	cmdStopPrint       = 317
	cmdPrintStatus     = 318
	cmdPrintFiles      = 320
	cmdModelInfo       = 322
	cmdTempLog         = 330
	cmdTimelapseList   = 335
	cmdTLVParams       = 337
	cmdPrinterSettings = 340
)

// operateCmdList is the sub-command the file-listing endpoints expect.
const operateCmdList = 120

// debugEvery throttles raw-response logging to every Nth call per command.
const debugEvery = 10

// Client issues commands to a single BeagleCam device.
type Client struct {
	host       string
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
	log        *slog.Logger

	mu         sync.Mutex
	callCounts map[string]int
}

// NewClient creates a client for the device at host (IP or hostname).
func NewClient(host, username, password string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		host:     host,
		endpoint: fmt.Sprintf("http://%s/set3DPiCmd", host),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:        log,
		callCounts: make(map[string]int),
	}
}

// Host returns the configured device address.
func (c *Client) Host() string { return c.host }

// envelope is the part of every response the protocol guarantees.
type envelope struct {
	Cmd    int  `json:"cmd"`
	Result *int `json:"result"`
}

// call posts a command and decodes the response into out (which may be nil).
// It returns the device's result code.
func (c *Client) call(ctx context.Context, cmd int, pro string, extra map[string]any, out any) (int, error) {
	result, err := c.doCall(ctx, cmd, pro, extra, out)
	observability.ObserveCommand(pro, outcomeOf(err))
	return result, err
}

func outcomeOf(err error) string {
	var te *TransportError
	var pe *ProtocolError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &te):
		return "transport_error"
	case errors.As(err, &pe):
		return "protocol_error"
	default:
		return "error"
	}
}

func (c *Client) doCall(ctx context.Context, cmd int, pro string, extra map[string]any, out any) (int, error) {
	payload := map[string]any{
		"cmd":  cmd,
		"pro":  pro,
		"user": c.username,
		"pwd":  c.password,
	}
	for k, v := range extra {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, &ProtocolError{Op: pro, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, &TransportError{Op: pro, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &TransportError{Op: pro, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return 0, &TransportError{Op: pro, Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &TransportError{Op: pro, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, &ProtocolError{Op: pro, Err: err}
	}
	if env.Result == nil {
		return 0, &ProtocolError{Op: pro, Err: fmt.Errorf("missing result field")}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return 0, &ProtocolError{Op: pro, Err: err}
		}
	}

	c.countCall(pro, raw)
	return *env.Result, nil
}

// countCall logs the raw response every Nth call per command.
func (c *Client) countCall(pro string, raw []byte) {
	c.mu.Lock()
	c.callCounts[pro]++
	n := c.callCounts[pro]
	c.mu.Unlock()

	if n%debugEvery == 0 {
		c.log.Debug("device response", "pro", pro, "call", n, "body", string(raw))
	}
}

// --- Setup / identity ---

// CheckUser validates the configured credentials. A nonzero result means the
// device rejected them.
func (c *Client) CheckUser(ctx context.Context) (*UserInfo, error) {
	var out UserInfo
	result, err := c.call(ctx, cmdCheckUser, "check_user", nil, &out)
	if err != nil {
		return nil, err
	}
	if result != 0 {
		return nil, &AuthError{Result: result}
	}
	return &out, nil
}

// GetInfo fetches camera identity and network state.
func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	var out Info
	if _, err := c.call(ctx, cmdInfo, "info_get", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBaudrate fetches the printer serial link configuration.
func (c *Client) GetBaudrate(ctx context.Context) (*Baudrate, error) {
	var out Baudrate
	if _, err := c.call(ctx, cmdBaudrate, "get_baudrate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetModel fetches the configured printer model selection.
func (c *Client) GetModel(ctx context.Context) (*ModelSelection, error) {
	var out ModelSelection
	if _, err := c.call(ctx, cmdModel, "get_model", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetVideoMode fetches the camera's video mode.
func (c *Client) GetVideoMode(ctx context.Context) (*VideoMode, error) {
	var out VideoMode
	if _, err := c.call(ctx, cmdVideoMode, "video_mode_get", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOSD fetches the on-screen-display settings.
func (c *Client) GetOSD(ctx context.Context) (*OSDSettings, error) {
	var out OSDSettings
	if _, err := c.call(ctx, cmdOSD, "osd_get", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCheck queries the device for available firmware updates.
func (c *Client) UpdateCheck(ctx context.Context) (*UpdateInfo, error) {
	var out UpdateInfo
	if _, err := c.call(ctx, cmdUpdateCheck, "update_check", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Polling ---

// GetConnectionState probes printer connectivity and hardware indicators.
func (c *Client) GetConnectionState(ctx context.Context) (*ConnectionState, error) {
	var out ConnectionState
	if _, err := c.call(ctx, cmdConnectionState, "get_prconnectstate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPrintStatus polls the current print job.
func (c *Client) GetPrintStatus(ctx context.Context) (*PrintStatus, error) {
	var out PrintStatus
	if _, err := c.call(ctx, cmdPrintStatus, "get_prgresp", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTemperatureStatus polls nozzle and bed temperatures.
func (c *Client) GetTemperatureStatus(ctx context.Context) (*TemperatureStatus, error) {
	var out TemperatureStatus
	if _, err := c.call(ctx, cmdTempInfo, "get_tempinfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetModelInfo fetches slicer metadata for a gcode file.
func (c *Client) GetModelInfo(ctx context.Context, filename string) (*ModelInfo, error) {
	var out ModelInfo
	extra := map[string]any{"filename": filename}
	if _, err := c.call(ctx, cmdModelInfo, "get_model_info", extra, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTLVParams fetches the timelapse recording parameters.
func (c *Client) GetTLVParams(ctx context.Context) (*TLVParams, error) {
	var out TLVParams
	if _, err := c.call(ctx, cmdTLVParams, "get_tlv_params", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecordingParams fetches the camera recording schedule.
func (c *Client) GetRecordingParams(ctx context.Context) (*RecordingParams, error) {
	var out RecordingParams
	if _, err := c.call(ctx, cmdRecParams, "get_rec_params", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPrinterSettings fetches feed rate, flow rate, and Z offset.
func (c *Client) GetPrinterSettings(ctx context.Context) (*PrinterSettings, error) {
	var out PrinterSettings
	if _, err := c.call(ctx, cmdPrinterSettings, "get_pr_setting", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- File listings ---

// GetPrintFiles lists gcode files on the device.
func (c *Client) GetPrintFiles(ctx context.Context) (*FileList, error) {
	var out FileList
	extra := map[string]any{"operate_cmd": operateCmdList}
	if _, err := c.call(ctx, cmdPrintFiles, "pri_file", extra, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTemperatureLogs lists temperature log files.
func (c *Client) GetTemperatureLogs(ctx context.Context) (*FileList, error) {
	var out FileList
	if _, err := c.call(ctx, cmdTempLog, "get_tlog", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTimelapseVideos lists recorded timelapse videos.
func (c *Client) GetTimelapseVideos(ctx context.Context) (*FileList, error) {
	var out FileList
	extra := map[string]any{"operate_cmd": operateCmdList}
	if _, err := c.call(ctx, cmdTimelapseList, "pri_file", extra, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Printer control ---

// ConnectPrinter asks the camera to connect to the printer. This can take a
// long time when the printer is unavailable.
func (c *Client) ConnectPrinter(ctx context.Context) error {
	return c.control(ctx, cmdConnectPrinter, "pr_connect", nil)
}

// DisconnectPrinter disconnects the camera from the printer.
func (c *Client) DisconnectPrinter(ctx context.Context) error {
	return c.control(ctx, cmdDisconnect, "pr_disconnect", nil)
}

// StartPrint starts a print job with the given gcode file.
func (c *Client) StartPrint(ctx context.Context, filename string) error {
	return c.control(ctx, cmdStartPrint, "pr_start", map[string]any{"filename": filename})
}

// PausePrint pauses the current print job.
func (c *Client) PausePrint(ctx context.Context) error {
	return c.control(ctx, cmdPausePrint, "pr_pause", nil)
}

// StopPrint stops the current print job.
func (c *Client) StopPrint(ctx context.Context) error {
	return c.control(ctx, cmdStopPrint, "pr_off", nil)
}

func (c *Client) control(ctx context.Context, cmd int, pro string, extra map[string]any) error {
	result, err := c.call(ctx, cmd, pro, extra, nil)
	if err != nil {
		return err
	}
	if result != 0 {
		return &ResultError{Op: pro, Result: result}
	}
	return nil
}

// --- Derived media URLs ---

// GcodeURL returns the download URL for a gcode file.
func (c *Client) GcodeURL(name string) string {
	return fmt.Sprintf("http://%s/mmc/%s", c.host, url.PathEscape(name))
}

// TemperatureLogURL returns the download URL for a temperature log.
func (c *Client) TemperatureLogURL(name string) string {
	return fmt.Sprintf("http://%s/mmc/tlog/%s", c.host, url.PathEscape(name))
}

// TimelapseURL returns the download URL for a timelapse video.
func (c *Client) TimelapseURL(name string) string {
	return fmt.Sprintf("http://%s/mmc/tlv/%s", c.host, url.PathEscape(name))
}

// StreamURL returns the live RTSP stream source, optionally with the
// configured credentials embedded.
func (c *Client) StreamURL(withCredentials bool) string {
	if withCredentials && c.username != "" {
		return fmt.Sprintf("rtsp://%s@%s:554/0", url.UserPassword(c.username, c.password).String(), c.host)
	}
	return fmt.Sprintf("rtsp://%s:554/0", c.host)
}
