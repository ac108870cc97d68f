package link

import "trail-svr/internal/cycle"

// DeviceInfo is the device view sent to the proxy.
type DeviceInfo struct {
	IMEI        string
	RemoteIP    string
	RemotePort  int
	State       DeviceState
	CyclesSent  uint64
	EntriesSent uint64
}

// device_connect / device_disconnect
type deviceEventPayload struct {
	DeviceConnect    bool   `json:"device_connect,omitempty"`
	DeviceDisconnect bool   `json:"device_disconnect,omitempty"`
	IMEI             string `json:"imei"`
	RemoteIP         string `json:"remote_ip,omitempty"`
	RemotePort       int    `json:"remote_port,omitempty"`
	CyclesSent       uint64 `json:"cycles_sent,omitempty"`
	EntriesSent      uint64 `json:"entries_sent,omitempty"`
}

type cyclePayload struct {
	Cycle *cycle.Cycle `json:"cycle"`
}
