package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/polling"
	"github.com/nerrad567/devserver/internal/server"
	"github.com/nerrad567/devserver/internal/transport"
)

// classDeviceSeparator splits the QueryDevice entries.
const classDeviceSeparator = "::"

// DeviceSummary is one entry of the device list.
type DeviceSummary struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

// StateResponse is the body of GET .../state.
type StateResponse struct {
	State  string `json:"state"`
	Status string `json:"status"`
}

// commandRequest is the body of POST .../commands/{cmd}.
type commandRequest struct {
	Arg any `json:"arg"`
}

// writeRequest is the body of PUT .../attributes/{attr}.
type writeRequest struct {
	Value any `json:"value"`
}

// pollingRequest is the body of the polling administration routes.
type pollingRequest struct {
	PeriodMS int64 `json:"period_ms"`
	Depth    int   `json:"depth,omitempty"`
}

// call runs req through the bound handler and decodes the reply value
// into out.
func (s *Server) call(ctx context.Context, req *transport.Request, out any) error {
	h := s.boundHandler()
	if h == nil {
		return fault.New(fault.CommFailure, "the device server is not serving requests", "api.call")
	}
	payload, err := transport.EncodeRequest(req)
	if err != nil {
		return err
	}
	return transport.Result(h(ctx, payload), out)
}

func (s *Server) adminCommand(ctx context.Context, cmd string, arg, out any) error {
	return s.call(ctx, &transport.Request{
		Op:     transport.OpCommandInOut,
		Device: s.admin,
		Name:   cmd,
		Arg:    arg,
	}, out)
}

// deviceName joins the three path segments of a device route.
func deviceName(r *http.Request) string {
	return chi.URLParam(r, "domain") + "/" + chi.URLParam(r, "family") + "/" + chi.URLParam(r, "member")
}

// decodeBody decodes an optional JSON body into v. An empty body leaves
// v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleListDevices lists the devices of the server, optionally filtered
// by a device name pattern where * matches any run of characters.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var match *regexp.Regexp
	if pattern := r.URL.Query().Get("pattern"); pattern != "" {
		re, err := device.CompileGlob(pattern)
		if err != nil {
			writeBadRequest(w, "invalid pattern: "+err.Error())
			return
		}
		match = re
	}

	var entries []string
	if err := s.adminCommand(r.Context(), server.CmdQueryDevice, nil, &entries); err != nil {
		writeFault(w, err)
		return
	}

	devices := make([]DeviceSummary, 0, len(entries))
	for _, e := range entries {
		class, name, ok := strings.Cut(e, classDeviceSeparator)
		if !ok {
			continue
		}
		if match != nil && !match.MatchString(name) {
			continue
		}
		devices = append(devices, DeviceSummary{Name: name, Class: class})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns the device info.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	var info device.Info
	err := s.call(r.Context(), &transport.Request{Op: transport.OpInfo, Device: deviceName(r)}, &info)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleGetState returns the evaluated state and status of a device.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	name := deviceName(r)
	var resp StateResponse
	if err := s.call(r.Context(), &transport.Request{Op: transport.OpState, Device: name}, &resp.State); err != nil {
		writeFault(w, err)
		return
	}
	if err := s.call(r.Context(), &transport.Request{Op: transport.OpStatus, Device: name}, &resp.Status); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCommand executes a command. The optional JSON body carries the
// argument as {"arg": ...}.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body commandRequest
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var out any
	err := s.call(r.Context(), &transport.Request{
		Op:     transport.OpCommandInOut,
		Device: deviceName(r),
		Name:   chi.URLParam(r, "cmd"),
		Arg:    body.Arg,
	}, &out)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": jsonSafe(out)})
}

// handleReadAttribute reads one attribute.
func (s *Server) handleReadAttribute(w http.ResponseWriter, r *http.Request) {
	rs, err := s.readAttributes(r, []string{chi.URLParam(r, "attr")})
	if err != nil {
		writeFault(w, err)
		return
	}
	if len(rs) == 0 {
		writeInternalError(w, "empty read result")
		return
	}
	writeJSON(w, http.StatusOK, readingJSON(rs[0]))
}

// handleReadAttributes reads the attributes named by ?names=a,b.
func (s *Server) handleReadAttributes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("names")
	if raw == "" {
		writeBadRequest(w, "names query parameter is required")
		return
	}
	rs, err := s.readAttributes(r, strings.Split(raw, ","))
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]attribute.Reading, len(rs))
	for i, rd := range rs {
		out[i] = readingJSON(rd)
	}
	writeJSON(w, http.StatusOK, map[string]any{"attributes": out})
}

func (s *Server) readAttributes(r *http.Request, names []string) ([]attribute.Reading, error) {
	var rs []attribute.Reading
	err := s.call(r.Context(), &transport.Request{
		Op:     transport.OpReadAttribute,
		Device: deviceName(r),
		Names:  names,
		Source: r.URL.Query().Get("source"),
	}, &rs)
	return rs, err
}

// readingJSON makes the decoded values of a reading JSON-encodable.
func readingJSON(rd attribute.Reading) attribute.Reading {
	rd.Value = jsonSafe(rd.Value)
	rd.WriteValue = jsonSafe(rd.WriteValue)
	return rd
}

// handleWriteAttribute writes one attribute from {"value": ...}.
func (s *Server) handleWriteAttribute(w http.ResponseWriter, r *http.Request) {
	var body writeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	err := s.call(r.Context(), &transport.Request{
		Op:     transport.OpWriteAttribute,
		Device: deviceName(r),
		Name:   chi.URLParam(r, "attr"),
		Arg:    body.Value,
	}, nil)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePollingStatus lists the polled objects of a device.
func (s *Server) handlePollingStatus(w http.ResponseWriter, r *http.Request) {
	var objs []polling.ObjectStatus
	if err := s.adminCommand(r.Context(), server.CmdPollingStatus, deviceName(r), &objs); err != nil {
		writeFault(w, err)
		return
	}
	if objs == nil {
		objs = []polling.ObjectStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objs, "count": len(objs)})
}

func (s *Server) pollCommand(w http.ResponseWriter, r *http.Request, cmd string, withBody bool) {
	arg := server.PollArg{
		Device: deviceName(r),
		Kind:   chi.URLParam(r, "kind"),
		Name:   chi.URLParam(r, "obj"),
	}
	if withBody {
		var body pollingRequest
		if err := decodeBody(r, &body); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
		arg.PeriodMS, arg.Depth = body.PeriodMS, body.Depth
	}
	if err := s.adminCommand(r.Context(), cmd, arg, nil); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddPolling(w http.ResponseWriter, r *http.Request) {
	s.pollCommand(w, r, server.CmdAddObjPolling, true)
}

func (s *Server) handleUpdatePolling(w http.ResponseWriter, r *http.Request) {
	s.pollCommand(w, r, server.CmdUpdObjPollingPeriod, true)
}

func (s *Server) handleRemovePolling(w http.ResponseWriter, r *http.Request) {
	s.pollCommand(w, r, server.CmdRemObjPolling, false)
}

func (s *Server) handleTriggerPolling(w http.ResponseWriter, r *http.Request) {
	s.pollCommand(w, r, server.CmdTriggerPolling, false)
}

// handleRestart deletes and recreates a device.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.adminCommand(r.Context(), server.CmdDevRestart, deviceName(r), nil); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// jsonSafe converts CBOR-decoded generic maps, which may have non-string
// keys, into values encoding/json accepts.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = jsonSafe(val)
		}
		return out
	case map[string]any:
		for k, val := range x {
			x[k] = jsonSafe(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = jsonSafe(val)
		}
		return x
	default:
		return v
	}
}
