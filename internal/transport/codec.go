package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/devserver/internal/fault"
)

// encMode is the CBOR encoder mode for envelopes.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for envelopes.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Op names a remote operation.
type Op string

// Remote operations.
const (
	OpCommandInOut   Op = "command_inout"
	OpReadAttribute  Op = "read_attribute"
	OpWriteAttribute Op = "write_attribute"
	OpPing           Op = "ping"
	OpName           Op = "name"
	OpState          Op = "state"
	OpStatus         Op = "status"
	OpInfo           Op = "info"
)

// IsValid reports whether op is known.
func (o Op) IsValid() bool {
	switch o {
	case OpCommandInOut, OpReadAttribute, OpWriteAttribute, OpPing, OpName, OpState, OpStatus, OpInfo:
		return true
	}
	return false
}

// Request is a call addressed to one device.
//
// CBOR encoding:
//
//	{1: op, 2: device, 3: name, 4: names, 5: source, 6: arg}
type Request struct {
	Op     Op       `cbor:"1,keyasint"`
	Device string   `cbor:"2,keyasint"`
	Name   string   `cbor:"3,keyasint,omitempty"`
	Names  []string `cbor:"4,keyasint,omitempty"`
	Source string   `cbor:"5,keyasint,omitempty"`
	Arg    any      `cbor:"6,keyasint,omitempty"`
}

// Validate checks the fields the op needs.
func (r *Request) Validate() error {
	if !r.Op.IsValid() {
		return fmt.Errorf("invalid operation %q", r.Op)
	}
	if r.Device == "" {
		return fmt.Errorf("%s: device name required", r.Op)
	}
	switch r.Op {
	case OpCommandInOut, OpWriteAttribute:
		if r.Name == "" {
			return fmt.Errorf("%s: name required", r.Op)
		}
	case OpReadAttribute:
		if r.Name == "" && len(r.Names) == 0 {
			return fmt.Errorf("%s: attribute names required", r.Op)
		}
	}
	return nil
}

// WireFrame is one fault frame on the wire.
type WireFrame struct {
	Reason string `cbor:"1,keyasint"`
	Desc   string `cbor:"2,keyasint"`
	Origin string `cbor:"3,keyasint,omitempty"`
}

// Reply answers a Request. A non-empty Errors slice means failure. Value
// stays encoded until the caller decodes it into the type it expects.
//
// CBOR encoding:
//
//	{1: value, 2: [{1: reason, 2: desc, 3: origin}, ...]}
type Reply struct {
	Value  cbor.RawMessage `cbor:"1,keyasint,omitempty"`
	Errors []WireFrame     `cbor:"2,keyasint,omitempty"`
}

// NewReply builds a reply carrying either value or the frames of err.
func NewReply(value any, err error) *Reply {
	if err == nil {
		if value == nil {
			return &Reply{}
		}
		raw, merr := Marshal(value)
		if merr == nil {
			return &Reply{Value: raw}
		}
		err = fault.Wrap(merr, fault.TypeNotSupported,
			fmt.Sprintf("cannot encode result of type %T", value), "transport.NewReply")
	}
	frames := fault.FramesOf(err)
	out := make([]WireFrame, len(frames))
	for i, f := range frames {
		out[i] = WireFrame{Reason: string(f.Reason), Desc: f.Desc, Origin: f.Origin}
	}
	return &Reply{Errors: out}
}

// Decode decodes the carried value into v. An empty value leaves v as is.
func (r *Reply) Decode(v any) error {
	if len(r.Value) == 0 {
		return nil
	}
	if err := Unmarshal(r.Value, v); err != nil {
		return fault.Wrap(err, fault.IncompatibleArg, "cannot decode reply value", "Reply.Decode")
	}
	return nil
}

// Err rebuilds the fault chain carried by the reply, or nil.
func (r *Reply) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	frames := make([]fault.Frame, len(r.Errors))
	for i, f := range r.Errors {
		frames[i] = fault.Frame{Reason: fault.Reason(f.Reason), Desc: f.Desc, Origin: f.Origin}
	}
	return fault.FromFrames(frames)
}

// Envelope frames a payload on backends without native correlation.
type Envelope struct {
	ID      string `cbor:"1,keyasint"`
	ReplyTo string `cbor:"2,keyasint,omitempty"`
	Body    []byte `cbor:"3,keyasint"`
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeRequest encodes a request to CBOR bytes.
func EncodeRequest(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(err, fault.IncompatibleArg, "invalid request", "transport.EncodeRequest")
	}
	return Marshal(req)
}

// DecodeRequest decodes CBOR bytes into a request.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := Unmarshal(data, &req); err != nil {
		return nil, fault.Wrap(err, fault.IncompatibleArg, "cannot decode request", "transport.DecodeRequest")
	}
	if err := req.Validate(); err != nil {
		return nil, fault.Wrap(err, fault.IncompatibleArg, "invalid request", "transport.DecodeRequest")
	}
	return &req, nil
}

// EncodeReply encodes a reply to CBOR bytes.
func EncodeReply(rep *Reply) ([]byte, error) {
	return Marshal(rep)
}

// DecodeReply decodes CBOR bytes into a reply.
func DecodeReply(data []byte) (*Reply, error) {
	var rep Reply
	if err := Unmarshal(data, &rep); err != nil {
		return nil, fault.Wrap(err, fault.CommFailure, "cannot decode reply", "transport.DecodeReply")
	}
	return &rep, nil
}

// Result decodes a reply payload into out, or returns its fault chain.
// A nil out only checks for failure.
func Result(data []byte, out any) error {
	rep, err := DecodeReply(data)
	if err != nil {
		return err
	}
	if err := rep.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return rep.Decode(out)
}
