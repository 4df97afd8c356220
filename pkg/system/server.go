package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/coordinator"
)

const (
	defaultServerHost = "0.0.0.0"
	defaultServerPort = 18890

	requestBodyLimit = 1 << 20
)

type statusResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	coordinator.SystemStatus
}

// Serve runs the HTTP status and admin surface until ctx is canceled. The
// load endpoints drive the system through the bus request channels, the same
// path external collaborators use.
func (s *System) Serve(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Server.Host)
	if host == "" {
		host = defaultServerHost
	}

	port := s.cfg.Server.Port
	if port <= 0 {
		port = defaultServerPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/modules/load", s.handleModuleLoad)
	mux.HandleFunc("/groups/load", s.handleGroupLoad)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}

	return nil
}

func (s *System) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *System) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.Initialized() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *System) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.Initialized() {
		status = "not_ready"
	}

	s.respondStatus(w, http.StatusOK, status)
}

func (s *System) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := statusResponse{
		Status:        status,
		UptimeSeconds: int64(s.Uptime().Seconds()),
		SystemStatus:  s.Status(),
	}

	s.respondJSON(w, statusCode, payload)
}

func (s *System) respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}

func (s *System) handleModuleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondJSON(w, http.StatusMethodNotAllowed, bus.LoadResponse{Error: "method not allowed"})
		return
	}

	var req bus.ModuleLoadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit)).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, bus.LoadResponse{Error: "invalid request body"})
		return
	}
	if req.ModuleName == "" || req.UserID == "" {
		s.respondJSON(w, http.StatusBadRequest, bus.LoadResponse{Error: "module_name and user_id are required"})
		return
	}

	s.forwardLoadRequest(w, r, bus.ChannelModuleLoadRequest, req)
}

func (s *System) handleGroupLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondJSON(w, http.StatusMethodNotAllowed, bus.LoadResponse{Error: "method not allowed"})
		return
	}

	var req bus.GroupLoadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit)).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, bus.LoadResponse{Error: "invalid request body"})
		return
	}
	if req.GroupName == "" || req.UserID == "" {
		s.respondJSON(w, http.StatusBadRequest, bus.LoadResponse{Error: "group_name and user_id are required"})
		return
	}

	s.forwardLoadRequest(w, r, bus.ChannelGroupLoadRequest, req)
}

// forwardLoadRequest publishes the decoded request on the bus and waits for
// the coordinator's acknowledgement.
func (s *System) forwardLoadRequest(w http.ResponseWriter, r *http.Request, channel string, req any) {
	if !s.Initialized() {
		s.respondJSON(w, http.StatusServiceUnavailable, bus.LoadResponse{Error: ErrNotInitialized.Error()})
		return
	}

	reply, err := s.bus.Request(r.Context(), channel, req, s.cfg.Bus.RequestTimeout())
	if err != nil {
		var timeout *bus.RequestTimeoutError
		if errors.As(err, &timeout) {
			s.respondJSON(w, http.StatusGatewayTimeout, bus.LoadResponse{Error: err.Error()})
			return
		}
		s.respondJSON(w, http.StatusBadGateway, bus.LoadResponse{Error: err.Error()})
		return
	}

	ack, ok := reply.Data.(bus.LoadResponse)
	if !ok {
		s.respondJSON(w, http.StatusBadGateway, bus.LoadResponse{Error: "unexpected reply payload"})
		return
	}

	statusCode := http.StatusOK
	if !ack.Ok {
		statusCode = http.StatusUnprocessableEntity
	}
	s.respondJSON(w, statusCode, ack)
}
