package server

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/devserver/internal/async"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/transport"
)

// Handle is the transport handler of the server: it decodes a request,
// dispatches it and encodes the reply. It never fails; errors travel in
// the reply.
func (r *Runtime) Handle(ctx context.Context, payload []byte) []byte {
	req, err := transport.DecodeRequest(payload)
	var value any
	if err == nil {
		value, err = r.Dispatch(ctx, req)
	}
	if err != nil {
		r.logger.Debug("request failed", "error", err)
	}

	data, encErr := transport.EncodeReply(transport.NewReply(value, err))
	if encErr != nil {
		r.logger.Error("reply encoding failed", "error", encErr)
		data, _ = transport.EncodeReply(transport.NewReply(nil,
			fault.Wrap(encErr, fault.Internal, "cannot encode reply", "Runtime.Handle")))
	}
	return data
}

// Dispatch executes a decoded request.
func (r *Runtime) Dispatch(ctx context.Context, req *transport.Request) (any, error) {
	switch req.Op {
	case transport.OpCommandInOut:
		out, err := r.CommandInOut(ctx, req.Device, req.Name, req.Arg)
		if s, ok := out.(device.State); ok {
			return s.String(), err
		}
		return out, err

	case transport.OpReadAttribute:
		src, err := ParseSource(req.Source)
		if err != nil {
			return nil, err
		}
		names := req.Names
		if len(names) == 0 {
			names = []string{req.Name}
		}
		return r.ReadAttributes(ctx, req.Device, names, src)

	case transport.OpWriteAttribute:
		return nil, r.WriteAttribute(ctx, req.Device, req.Name, req.Arg)

	case transport.OpPing:
		_, err := r.DeviceByName(req.Device)
		return nil, err

	case transport.OpName:
		dev, err := r.DeviceByName(req.Device)
		if err != nil {
			return nil, err
		}
		return dev.Name(), nil

	case transport.OpState:
		out, err := r.CommandInOut(ctx, req.Device, device.CmdState, nil)
		if s, ok := out.(device.State); ok {
			return s.String(), err
		}
		return out, err

	case transport.OpStatus:
		return r.CommandInOut(ctx, req.Device, device.CmdStatus, nil)

	case transport.OpInfo:
		dev, err := r.DeviceByName(req.Device)
		if err != nil {
			return nil, err
		}
		return dev.Info(), nil

	default:
		return nil, fault.New(fault.NotSupported,
			fmt.Sprintf("operation %q is not supported", req.Op), "Runtime.Dispatch")
	}
}

// CallAsync sends req to endpoint without waiting and registers the call.
// With the Callback model cb receives the reply when it is drained; with
// the Polling model the reply is fetched through the async registry.
func (r *Runtime) CallAsync(ctx context.Context, endpoint string, req *transport.Request, model async.ReplyModel, cb async.CallbackFunc) (int64, error) {
	if r.client == nil {
		return 0, fault.New(fault.NotSupported, "no client transport configured", "Runtime.CallAsync")
	}
	payload, err := transport.EncodeRequest(req)
	if err != nil {
		return 0, err
	}
	call, err := r.client.SendAsync(ctx, endpoint, payload)
	if err != nil {
		return 0, err
	}

	if model == async.Callback && cb != nil {
		return r.async.RegisterCallback(req.Device, call, cb), nil
	}
	return r.async.Register(req.Device, model, call), nil
}

// AsyncResult waits up to timeout for the reply of a Polling-model call
// and decodes it into out.
func (r *Runtime) AsyncResult(ctx context.Context, id int64, timeout time.Duration, out any) error {
	rep, err := r.async.WaitResult(ctx, id, timeout)
	if err != nil {
		return err
	}
	if rep.Err != nil {
		return rep.Err
	}
	return transport.Result(rep.Data, out)
}
