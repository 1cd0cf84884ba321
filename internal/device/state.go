package device

import (
	"fmt"
	"strings"
)

// State is the operational state of a device.
type State int32

// Device states.
const (
	On State = iota
	Off
	Close
	Open
	Insert
	Extract
	Moving
	Standby
	Fault
	Init
	Running
	Alarm
	Disable
	Unknown
)

var stateNames = [...]string{
	On:      "ON",
	Off:     "OFF",
	Close:   "CLOSE",
	Open:    "OPEN",
	Insert:  "INSERT",
	Extract: "EXTRACT",
	Moving:  "MOVING",
	Standby: "STANDBY",
	Fault:   "FAULT",
	Init:    "INIT",
	Running: "RUNNING",
	Alarm:   "ALARM",
	Disable: "DISABLE",
	Unknown: "UNKNOWN",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ParseState is the case-insensitive inverse of String.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(name, s) {
			return State(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown device state %q", s)
}
