package device

// Typed records per device endpoint. Field tags follow the device's JSON
// exactly, misspellings included. The cmd and result echo fields are handled
// by the envelope and never reach these records.

// UserInfo is the check_user (100) payload.
type UserInfo struct {
	Admin int `json:"admin"`
	Model int `json:"modle"` // device-side typo
	Type  int `json:"type"`
}

// Info is the info_get (101) payload: camera identity and network state.
type Info struct {
	P2PID        string `json:"p2pid"`
	Hardware     string `json:"hardware"`
	Firmware     string `json:"firmware"`
	MirrorMode   int    `json:"mirror_mode"`
	VideoMode    int    `json:"video_mode"`
	OnlineNum    int    `json:"online_num"`
	NetworkType  string `json:"network_type"`
	MacAddress   string `json:"macaddress"`
	IPAddress    string `json:"IPaddress"`
	Netmask      string `json:"netmask"`
	Gateway      string `json:"gateway"`
	DHCP         int    `json:"dhcp"`
	DayNightMode int    `json:"day_night_mode"`
	AlarmVoice   string `json:"alarm_voice"`
}

// Baudrate is the get_baudrate (251) payload.
type Baudrate struct {
	Baudrate   string    `json:"baudrate"`
	TTYUSBList []TTYPort `json:"ttyUSBList"`
}

// TTYPort is one serial port entry in the baud rate listing.
type TTYPort struct {
	TTYName string `json:"ttyName"`
}

// ModelSelection is the get_model (253) payload, reduced to the fields the
// bridge consumes. The full brand/model catalogue is passed through raw.
type ModelSelection struct {
	Version             string         `json:"version"`
	MachineType         []string       `json:"machineType"`
	MachineTypeSelected string         `json:"machineTypeSelected"`
	Selected            *SelectedModel `json:"selected"`
}

// SelectedModel is the device's configured printer selection.
type SelectedModel struct {
	Brand    string `json:"brand"`
	Model    string `json:"model"`
	Size     string `json:"size"`
	Category string `json:"category"`
	USBPower string `json:"usbpower"`
}

// ConnectionState is the get_prconnectstate (312) payload.
type ConnectionState struct {
	ConnectState int `json:"connect_state"`
	PrintState   int `json:"print_state"`
	HeatState    int `json:"heat_state"`
	FanSpeed     int `json:"fan_speed"`
	TLVSDState   int `json:"tlv_sd_state"`
	FilamentOpen int `json:"filament_open"`
}

// PrintStatus is the get_prgresp (318) payload. The device freezes these
// values while paused or stopped; the client passes them through untouched.
type PrintStatus struct {
	FileName       string   `json:"file_name"`
	Progress       *float64 `json:"progress"`
	TimeLeft       *int     `json:"time_left"`
	TimeCost       *int     `json:"time_cost"`
	LayerIndex     *int     `json:"layerIndex"`
	PrintingHeight *float64 `json:"printingHeight"`
	HadSize        *int64   `json:"hadSize"`
}

// TemperatureStatus is the get_tempinfo (302) payload. Pointers keep a
// missing reading distinct from zero degrees.
type TemperatureStatus struct {
	NozzleTemp   *float64 `json:"tempture_noz"`
	BedTemp      *float64 `json:"tempture_bed"`
	NozzleTarget *float64 `json:"des_tempture_noz"`
	BedTarget    *float64 `json:"des_tempture_bed"`
}

// ModelInfo is the get_model_info (322) payload for a gcode file.
type ModelInfo struct {
	Uploaded           string   `json:"uploaded"`
	Size               int64    `json:"size"`
	FilamentTotalUsed  *float64 `json:"filamentTotalUsed"`
	EstimatedTotalTime *int     `json:"estimatedTotalTime"`
	LayerHeight        *float64 `json:"layerHeight"`
	LayerCount         *int     `json:"layerCount"`
	Height             *float64 `json:"height"`
}

// TLVParams is the get_tlv_params (337) payload.
type TLVParams struct {
	Enable      int     `json:"enable"`
	MaxX        int     `json:"maxx"`
	MaxY        int     `json:"maxy"`
	MaxZ        int     `json:"maxz"`
	VideoType   string  `json:"video_type"`
	FPS         int     `json:"fps"`
	MinInrSecs  int     `json:"min_inr_secs"`
	DurationTLV int     `json:"duration_tlv"`
	UVLayers    int     `json:"uv_layers"`
	ExtraFill   float64 `json:"extra_filling"`
}

// VideoMode is the video_mode_get (135) payload.
type VideoMode struct {
	VideoMode int `json:"video_mode"`
}

// OSDSettings is the osd_get (171) payload.
type OSDSettings struct {
	TimePos int `json:"timepos"`
}

// RecordingParams is the get_rec_params (121) payload.
type RecordingParams struct {
	Enable         int `json:"enable"`
	RecordDuration int `json:"record_duration"`
	Cover          int `json:"cover"`
	StartHour      int `json:"start_hour"`
	StopHour       int `json:"stop_hour"`
	StartMin       int `json:"start_min"`
	StopMin        int `json:"stop_min"`
}

// PrinterSettings is the get_pr_setting (340) payload.
type PrinterSettings struct {
	Feedrate int `json:"feedrate"`
	Flowrate int `json:"flowrate"`
	ZOffset  int `json:"zoffset"`
}

// FileList is the shared shape of the file-listing commands (320, 330, 335).
type FileList struct {
	Count int         `json:"count"`
	Files []FileEntry `json:"filesList"`
}

// FileEntry is one file in a device listing.
type FileEntry struct {
	Name string `json:"name"`
	Len  string `json:"len"`
	Time string `json:"time"`
}

// UpdateInfo is the update_check (219) payload.
type UpdateInfo struct {
	CurVersion string   `json:"curVersion"`
	OTAInfo    *OTAInfo `json:"ota_info"`
}

// OTAInfo describes an available firmware update.
type OTAInfo struct {
	ForceUpdateFlag string `json:"ForceUpdateflag"`
	Hardware        string `json:"HARDWARE"`
	SWVersion       string `json:"SWversion"`
	VersionIntro    string `json:"VersionIntro"`
	FirmwareURL     string `json:"FirmwareUrl"`
}
