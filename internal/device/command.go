package device

import (
	"context"
	"slices"
)

// Command is one entry of a class dispatch table.
type Command struct {
	Name        string
	Description string

	// In and Out describe the argument and result for clients. They are
	// informational; Execute receives and returns plain Go values.
	In  string
	Out string

	// Allowed reports whether the command may run in the given state.
	// Nil allows every state.
	Allowed func(State) bool

	// Execute runs the command. The caller holds the device monitor.
	Execute func(ctx context.Context, dev *Device, arg any) (any, error)
}

// IsAllowed evaluates the Allowed predicate.
func (c *Command) IsAllowed(s State) bool {
	return c.Allowed == nil || c.Allowed(s)
}

// NotIn builds an Allowed predicate rejecting the listed states.
func NotIn(states ...State) func(State) bool {
	return func(s State) bool {
		return !slices.Contains(states, s)
	}
}

// OnlyIn builds an Allowed predicate accepting only the listed states.
func OnlyIn(states ...State) func(State) bool {
	return func(s State) bool {
		return slices.Contains(states, s)
	}
}

// Built-in command names present in every dispatch table.
const (
	CmdState  = "State"
	CmdStatus = "Status"
	CmdInit   = "Init"
)

func builtinCommands() []*Command {
	return []*Command{
		{
			Name:        CmdState,
			Description: "Device state",
			Out:         "DevState",
			Execute: func(ctx context.Context, dev *Device, _ any) (any, error) {
				return dev.EvaluateState(ctx), nil
			},
		},
		{
			Name:        CmdStatus,
			Description: "Device status",
			Out:         "DevString",
			Execute: func(ctx context.Context, dev *Device, _ any) (any, error) {
				return dev.EvaluateStatus(ctx), nil
			},
		},
		{
			Name:        CmdInit,
			Description: "Re-initialise the device",
			Execute: func(ctx context.Context, dev *Device, _ any) (any, error) {
				return nil, dev.reinit(ctx)
			},
		},
	}
}
