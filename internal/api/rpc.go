package api

import (
	"io"
	"net/http"
)

// rpcContentType is the media type of RPC request and reply payloads.
const rpcContentType = "application/cbor"

// handleRPC is the transport endpoint. The body is an encoded request;
// the response body is the encoded reply, with status 200 whether or not
// the operation succeeded.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	h := s.boundHandler()
	if h == nil {
		writeUnavailable(w, "the device server is not serving requests")
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "cannot read request body")
		return
	}

	reply := h(r.Context(), payload)
	w.Header().Set("Content-Type", rpcContentType)
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	w.Write(reply)
}
