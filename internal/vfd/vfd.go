// Package vfd holds the data model shared by every component of the drive
// control core: the VFD registry entry, its mirrored state, and the
// DriveMode enumeration that is part of the external interface.
package vfd

// DriveMode is one of STOP, FORWARD, REVERSE or OFFLINE. The numeric codes
// are stable and exposed verbatim over the HTTP/WebSocket surface.
type DriveMode int

const (
	ModeStop    DriveMode = 0
	ModeForward DriveMode = 1
	ModeReverse DriveMode = 2
	ModeOffline DriveMode = 254
)

func (m DriveMode) String() string {
	switch m {
	case ModeStop:
		return "STOP"
	case ModeForward:
		return "FORWARD"
	case ModeReverse:
		return "REVERSE"
	case ModeOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// Model identifies a supported drive family. Only Frenic is operative;
// other values are registered but inert (UnsupportedModel on every command).
type Model string

const (
	ModelFrenic  Model = "Frenic"
	ModelUnknown Model = ""
)

// DriveState is the latest mirrored snapshot for one drive, refreshed by the
// Poller and reconciled-or-set-optimistically by successful commands. A
// DriveState value is always handled by copy so publication is atomic and
// readers never observe a torn struct (spec invariant: reads are
// eventually-consistent snapshots, never torn).
type DriveState struct {
	CurFrequency  float64   `json:"cur_frequency"`
	TgtFrequency  float64   `json:"tgt_frequency"`
	CurDriveMode  DriveMode `json:"cur_drive_mode"`
	TgtDriveMode  DriveMode `json:"tgt_drive_mode"`
	OutputVoltage float64   `json:"output_voltage"`
	OutputCurrent float64   `json:"output_current"`
	InputPower    float64   `json:"input_power"`
	MaxFrequency  int       `json:"max_frequency"`
}

// OfflineState is what every drive starts in: all-zero telemetry and both
// modes OFFLINE, per the lifecycle rule in spec.md §3.
func OfflineState() DriveState {
	return DriveState{CurDriveMode: ModeOffline, TgtDriveMode: ModeOffline}
}

// Drive is the static descriptor for a registered VFD: identity and
// configuration assigned once at startup and never mutated afterward.
type Drive struct {
	ID          string
	DisplayName string
	SlaveID     int
	Model       Model
}

// StatelessDrive is the §6 `GET /vfds/` list representation: the descriptor
// plus the poll failure counter, but no telemetry.
type StatelessDrive struct {
	SlaveID       int    `json:"slave_id"`
	DisplayName   string `json:"display_name"`
	ID            string `json:"id"`
	Model         Model  `json:"model"`
	PollFailCount int64  `json:"poll_fail_count"`
}
