package link

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DeviceState is the kind of device event.
type DeviceState int

const (
	DeviceStateUnknown    DeviceState = iota
	DeviceStateConnect                // device_connect: true
	DeviceStateDisconnect             // device_disconnect: true
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateConnect:
		return "connect"
	case DeviceStateDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Command types the proxy can send down the link.
const (
	CommandSetInterval = "set_interval"
	CommandEndSession  = "end_session"
)

// Command is one instruction from the proxy, e.g.
//
//	{"command":"set_interval","imei":"356307042441013","seconds":30}
type Command struct {
	Type     string `json:"command"`
	DeviceID string `json:"imei"`
	Seconds  int    `json:"seconds,omitempty"`
}

var errUnknownCommand = errors.New("unknown command")

func ParseCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.DeviceID == "" {
		return Command{}, fmt.Errorf("decode command: missing imei")
	}
	switch cmd.Type {
	case CommandSetInterval:
		if cmd.Seconds < 1 {
			return Command{}, fmt.Errorf("set_interval: invalid seconds %d", cmd.Seconds)
		}
	case CommandEndSession:
	default:
		return Command{}, fmt.Errorf("%w %q", errUnknownCommand, cmd.Type)
	}
	return cmd, nil
}
