package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dreamware/servelane/internal/backend"
	"github.com/dreamware/servelane/internal/fanout"
	"github.com/dreamware/servelane/internal/gateway"
	"github.com/dreamware/servelane/internal/region"
	"github.com/dreamware/servelane/internal/store"
)

const maxBodyBytes = 1 << 20

// Client headers and their defaults.
const (
	headerAppVersion   = "X-App-Version"
	headerAppName      = "X-App-Name"
	headerAPIVersion   = "X-Api-Version"
	headerClientRegion = "X-Client-Region"
	headerClientID     = "X-Client-Id"

	defaultAppVersion = "1.0.0"
	defaultAppName    = "web"
	defaultClientID   = "unknown"
)

var allowedHeaders = strings.Join([]string{
	"Content-Type", "Authorization", "apikey",
	headerAppVersion, headerAppName, headerAPIVersion, headerClientRegion, headerClientID,
}, ", ")

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", allowedHeaders)
}

// preflight handles OPTIONS and rejects anything but POST. It reports
// whether the handler should continue.
func preflight(w http.ResponseWriter, r *http.Request) bool {
	setCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return false
	case http.MethodPost:
		return true
	}
	w.Header().Set("Allow", "POST, OPTIONS")
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	return false
}

type errorBody struct {
	Meta  *rpcMeta `json:"meta,omitempty"`
	Error string   `json:"error"`
	Code  string   `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type rpcRequest struct {
	Payload json.RawMessage `json:"payload"`
	RPC     string          `json:"rpc"`
	Version string          `json:"version"`
	Region  string          `json:"region"`
}

type rpcMeta struct {
	RPC           string `json:"rpc"`
	Version       string `json:"version"`
	Region        string `json:"region"`
	RequestID     string `json:"requestId"`
	ExecutionTime int64  `json:"executionTime"`
	Fallback      bool   `json:"fallback,omitempty"`
	Cached        bool   `json:"cached,omitempty"`
}

type rpcResponse struct {
	Data json.RawMessage `json:"data"`
	Meta rpcMeta         `json:"meta"`
}

func (s *server) clientContext(r *http.Request) gateway.ClientContext {
	header := func(name, def string) string {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
		return def
	}
	return gateway.ClientContext{
		AppVersion:       header(headerAppVersion, defaultAppVersion),
		AppName:          header(headerAppName, defaultAppName),
		Region:           region.ID(header(headerClientRegion, string(s.router.Primary()))),
		ClientID:         header(headerClientID, defaultClientID),
		RequestedVersion: header(headerAPIVersion, ""),
	}
}

// handleRPC dispatches one versioned call.
//
// Request body: {"rpc": "get_menu", "payload": {...}, "version": "v2", "region": "eu-west-1"}
func (s *server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body unreadable"})
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON"})
		return
	}

	res := s.dispatcher.Dispatch(r.Context(), gateway.Request{
		Operation: req.RPC,
		Payload:   req.Payload,
		Version:   req.Version,
		Region:    region.ID(req.Region),
	}, s.clientContext(r))

	meta := rpcMeta{
		RPC:           req.RPC,
		Version:       string(res.Decision.Version),
		Region:        string(res.Decision.Region),
		RequestID:     res.RequestID,
		ExecutionTime: res.Elapsed.Milliseconds(),
		Fallback:      res.Decision.Fallback,
		Cached:        res.Cached,
	}
	h := w.Header()
	h.Set("X-Request-ID", meta.RequestID)
	h.Set("X-API-Version", meta.Version)
	h.Set("X-Region", meta.Region)
	h.Set("X-Execution-Time", strconv.FormatInt(meta.ExecutionTime, 10))

	if !res.Success {
		status, msg, code := describeError(res.Err)
		writeJSON(w, status, errorBody{Error: msg, Code: code, Meta: &meta})
		return
	}
	data := res.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, rpcResponse{Data: data, Meta: meta})
}

// describeError maps a dispatch error to a status, message and code.
func describeError(err error) (int, string, string) {
	var remote *backend.RemoteError
	switch {
	case errors.Is(err, gateway.ErrMissingOperation):
		return http.StatusBadRequest, "missing rpc", ""
	case errors.Is(err, gateway.ErrUnsupportedVersion):
		return http.StatusBadRequest, err.Error(), ""
	case errors.Is(err, gateway.ErrNoBackend):
		return http.StatusServiceUnavailable, err.Error(), ""
	case errors.Is(err, backend.ErrUnreachable):
		return http.StatusBadGateway, err.Error(), ""
	case errors.As(err, &remote):
		return http.StatusInternalServerError, remote.Message, remote.Code
	case err == nil:
		return http.StatusInternalServerError, "unknown error", ""
	}
	return http.StatusInternalServerError, err.Error(), ""
}

type deliveryBody struct {
	Region    string `json:"region"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	Attempts  int    `json:"attempts"`
	Success   bool   `json:"success"`
}

type fanoutResponse struct {
	Deliveries     []deliveryBody `json:"deliveries"`
	EventID        int64          `json:"eventId"`
	TotalLatencyMS int64          `json:"totalLatencyMs"`
	Success        bool           `json:"success"`
}

// handleFanout propagates one event to every other region.
func (s *server) handleFanout(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body unreadable"})
		return
	}
	ev, err := fanout.DecodeRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	out, err := s.fanout.Fanout(r.Context(), ev)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	resp := fanoutResponse{
		Deliveries:     make([]deliveryBody, len(out.Deliveries)),
		EventID:        out.EventID,
		TotalLatencyMS: out.TotalLatency.Milliseconds(),
		Success:        out.Success,
	}
	regions := make([]string, len(out.Deliveries))
	for i, d := range out.Deliveries {
		resp.Deliveries[i] = deliveryBody{
			Region:    string(d.Region),
			Error:     d.Error,
			LatencyMS: d.Latency.Milliseconds(),
			Attempts:  d.Attempts,
			Success:   d.Success,
		}
		regions[i] = string(d.Region)
	}
	succeeded := out.Succeeded()
	h := w.Header()
	h.Set("X-Fanout-Regions", strings.Join(regions, ","))
	h.Set("X-Fanout-Success-Count", strconv.Itoa(succeeded))
	h.Set("X-Fanout-Total-Count", strconv.Itoa(len(out.Deliveries)))

	status := http.StatusOK
	if len(out.Deliveries) > 0 && succeeded == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

type regionBody struct {
	Health  *region.Health `json:"health,omitempty"`
	ID      string         `json:"id"`
	Primary bool           `json:"primary"`
	Backend bool           `json:"backend"`
}

// handleRegions lists known regions with backend presence and health.
func (s *server) handleRegions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	withBackend := map[region.ID]bool{}
	if s.backends != nil {
		for _, id := range s.backends.Regions() {
			withBackend[id] = true
		}
	}
	var health map[region.ID]region.Health
	if s.health != nil {
		health = s.health.All()
	}

	out := make([]regionBody, 0, len(s.router.Regions()))
	for _, id := range s.router.Regions() {
		rb := regionBody{
			ID:      string(id),
			Primary: id == s.router.Primary(),
			Backend: withBackend[id],
		}
		if h, ok := health[id]; ok {
			rb.Health = &h
		}
		out = append(out, rb)
	}
	writeJSON(w, http.StatusOK, struct {
		Primary string       `json:"primary"`
		Regions []regionBody `json:"regions"`
	}{Primary: string(s.router.Primary()), Regions: out})
}

// handleFanoutLogs returns the most recent fanout log records.
func (s *server) handleFanoutLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, store.MaxListLimit)
	}
	if s.logs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "fanout log unavailable"})
		return
	}
	recs, err := s.logs.ListFanoutLogs(r.Context(), limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list fanout logs", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "fanout log unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Logs  []fanout.LogRecord `json:"logs"`
		Count int                `json:"count"`
	}{Logs: recs, Count: len(recs)})
}
