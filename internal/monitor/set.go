package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Model is the process-wide serialisation model.
type Model string

// Serialisation models. The values match the server.serial_model setting.
const (
	ByDevice Model = "by_device"
	ByClass  Model = "by_class"
	NoSync   Model = "no_sync"
)

// ParseModel validates a configured model name. Empty selects ByDevice.
func ParseModel(s string) (Model, error) {
	switch m := Model(strings.ToLower(s)); m {
	case "":
		return ByDevice, nil
	case ByDevice, ByClass, NoSync:
		return m, nil
	default:
		return "", fmt.Errorf("monitor: unknown serialisation model %q", s)
	}
}

// Set hands out monitors according to a Model.
type Set struct {
	model   Model
	timeout time.Duration
	noop    *Monitor

	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewSet creates a monitor set.
func NewSet(model Model, timeout time.Duration) *Set {
	return &Set{
		model:    model,
		timeout:  timeout,
		noop:     Noop(),
		monitors: make(map[string]*Monitor),
	}
}

// Model returns the active model.
func (s *Set) Model() Model { return s.model }

// For returns the monitor guarding device, a member of class.
func (s *Set) For(device, class string) *Monitor {
	var key string
	switch s.model {
	case NoSync:
		return s.noop
	case ByClass:
		key = "class:" + strings.ToLower(class)
	default:
		key = "device:" + strings.ToLower(device)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[key]
	if !ok {
		name := device
		if s.model == ByClass {
			name = class
		}
		m = New(name, s.timeout)
		s.monitors[key] = m
	}
	return m
}

// Forget drops the monitor of a removed device. It is a no-op unless the
// model is ByDevice.
func (s *Set) Forget(device string) {
	if s.model != ByDevice {
		return
	}
	s.mu.Lock()
	delete(s.monitors, "device:"+strings.ToLower(device))
	s.mu.Unlock()
}
