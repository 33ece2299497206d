package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strconv"
	"strings"

	"qms/sampling-queue/internal/models"
	"qms/sampling-queue/internal/queue"
	"qms/sampling-queue/internal/store"
)

// Service is the queue engine surface exposed over HTTP.
type Service interface {
	CreateTurn(ctx context.Context, requestID, priority string) (models.Turn, bool, error)
	GetTurn(ctx context.Context, turnID int64) (models.Turn, error)
	ListQueue(ctx context.Context, workerID string) (queue.QueueView, error)
	HoldTurn(ctx context.Context, turnID int64, workerID string) (models.Holding, error)
	HoldNext(ctx context.Context, workerID string) (queue.HoldResult, error)
	SkipHolding(ctx context.Context, workerID string, currentTurnID int64) (queue.HoldResult, error)
	ReleaseHoldings(ctx context.Context, workerID string) (int, error)
	ReleaseHolding(ctx context.Context, turnID int64) (models.Turn, bool, error)
	CallTurn(ctx context.Context, req queue.CallRequest) (models.Turn, error)
	DeferTurn(ctx context.Context, turnID int64) (models.Turn, error)
	CompleteTurn(ctx context.Context, turnID int64) (models.Turn, error)
	ChangePriority(ctx context.Context, turnID int64, priority string) (models.Turn, bool, error)
	TouchSession(ctx context.Context, workerID string) (models.WorkerSession, error)
	SelectStation(ctx context.Context, workerID string, stationID *int64) (models.WorkerSession, error)
	StationStatus(ctx context.Context) ([]models.Station, error)
	CreateStation(ctx context.Context, name, priority string, active bool) (models.Station, error)
}

type Handler struct {
	service  Service
	realtime http.Handler
}

type Options struct {
	// Realtime, when set, is mounted at /realtime/.
	Realtime http.Handler
}

type createTurnRequest struct {
	RequestID string `json:"request_id"`
	Priority  string `json:"priority"`
}

type workerRequest struct {
	WorkerID string `json:"worker_id"`
}

type callTurnRequest struct {
	WorkerID  string `json:"worker_id"`
	StationID int64  `json:"station_id"`
}

type skipHoldingRequest struct {
	WorkerID      string `json:"worker_id"`
	CurrentTurnID int64  `json:"current_turn_id"`
}

type changePriorityRequest struct {
	Priority string `json:"priority"`
}

type selectStationRequest struct {
	WorkerID  string `json:"worker_id"`
	StationID *int64 `json:"station_id"`
}

type createStationRequest struct {
	Name     string `json:"name"`
	Priority string `json:"priority"`
	Active   *bool  `json:"active"`
}

type changePriorityResponse struct {
	Turn    models.Turn `json:"turn"`
	Changed bool        `json:"changed"`
}

type releaseHoldingResponse struct {
	Turn     models.Turn `json:"turn"`
	Released bool        `json:"released"`
}

type releaseHoldingsResponse struct {
	Released int `json:"released"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(service Service, options Options) *Handler {
	return &Handler{service: service, realtime: options.Realtime}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/turns", h.handleTurns)
	mux.HandleFunc("/api/turns/", h.handleTurnResource)
	mux.HandleFunc("/api/holdings/", h.handleHoldings)
	mux.HandleFunc("/api/stations", h.handleStations)
	mux.HandleFunc("/api/sessions/", h.handleSessions)
	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	workerID := strings.TrimSpace(r.URL.Query().Get("worker_id"))
	if workerID == "" {
		workerID = workerIDFromRequest(r)
	}

	view, err := h.service.ListQueue(r.Context(), workerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTurnRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Priority = strings.TrimSpace(req.Priority)
	if req.Priority == "" {
		req.Priority = models.PriorityGeneral
	}
	if !models.ValidPriority(req.Priority) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "priority must be General or Special")
		return
	}

	turn, _, err := h.service.CreateTurn(r.Context(), req.RequestID, req.Priority)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (h *Handler) handleTurnResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/turns/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	turnID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || turnID <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "turn id must be a positive integer")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		turn, err := h.service.GetTurn(r.Context(), turnID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, turn)
		return
	}

	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch parts[2] {
	case "hold":
		h.handleHoldTurn(w, r, turnID)
	case "release":
		h.handleReleaseHolding(w, r, turnID)
	case "call":
		h.handleCallTurn(w, r, turnID)
	case "defer":
		h.handleDeferTurn(w, r, turnID)
	case "complete":
		h.handleCompleteTurn(w, r, turnID)
	case "change-priority":
		h.handleChangePriority(w, r, turnID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleHoldTurn(w http.ResponseWriter, r *http.Request, turnID int64) {
	var req workerRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	workerID, ok := requireWorker(w, r, req.WorkerID)
	if !ok {
		return
	}

	holding, err := h.service.HoldTurn(r.Context(), turnID, workerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, holding)
}

func (h *Handler) handleReleaseHolding(w http.ResponseWriter, r *http.Request, turnID int64) {
	if !requireSupervisor(w, r) {
		return
	}
	turn, released, err := h.service.ReleaseHolding(r.Context(), turnID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseHoldingResponse{Turn: turn, Released: released})
}

func (h *Handler) handleCallTurn(w http.ResponseWriter, r *http.Request, turnID int64) {
	var req callTurnRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	workerID, ok := requireWorker(w, r, req.WorkerID)
	if !ok {
		return
	}
	if req.StationID <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "station_id is required")
		return
	}

	turn, err := h.service.CallTurn(r.Context(), queue.CallRequest{
		TurnID:    turnID,
		WorkerID:  workerID,
		StationID: req.StationID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (h *Handler) handleDeferTurn(w http.ResponseWriter, r *http.Request, turnID int64) {
	turn, err := h.service.DeferTurn(r.Context(), turnID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (h *Handler) handleCompleteTurn(w http.ResponseWriter, r *http.Request, turnID int64) {
	turn, err := h.service.CompleteTurn(r.Context(), turnID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (h *Handler) handleChangePriority(w http.ResponseWriter, r *http.Request, turnID int64) {
	if !requireSupervisor(w, r) {
		return
	}
	var req changePriorityRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	req.Priority = strings.TrimSpace(req.Priority)
	if !models.ValidPriority(req.Priority) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "priority must be General or Special")
		return
	}

	turn, changed, err := h.service.ChangePriority(r.Context(), turnID, req.Priority)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changePriorityResponse{Turn: turn, Changed: changed})
}

func (h *Handler) handleHoldings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/holdings/"), "/") {
	case "next":
		var req workerRequest
		if !decodeRequest(w, r, &req, true) {
			return
		}
		workerID, ok := requireWorker(w, r, req.WorkerID)
		if !ok {
			return
		}
		result, err := h.service.HoldNext(r.Context(), workerID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "skip":
		var req skipHoldingRequest
		if !decodeRequest(w, r, &req, false) {
			return
		}
		workerID, ok := requireWorker(w, r, req.WorkerID)
		if !ok {
			return
		}
		result, err := h.service.SkipHolding(r.Context(), workerID, req.CurrentTurnID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "release":
		// Browsers send this with sendBeacon on page unload, so the body may
		// arrive as text/plain.
		var req workerRequest
		if !decodeRequest(w, r, &req, true) {
			return
		}
		workerID, ok := requireWorker(w, r, req.WorkerID)
		if !ok {
			return
		}
		count, err := h.service.ReleaseHoldings(r.Context(), workerID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, releaseHoldingsResponse{Released: count})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleStations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		stations, err := h.service.StationStatus(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if stations == nil {
			stations = []models.Station{}
		}
		writeJSON(w, http.StatusOK, stations)
	case http.MethodPost:
		if !requireSupervisor(w, r) {
			return
		}
		var req createStationRequest
		if !decodeRequest(w, r, &req, false) {
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		station, err := h.service.CreateStation(r.Context(), strings.TrimSpace(req.Name), strings.TrimSpace(req.Priority), active)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, station)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/") {
	case "touch":
		var req workerRequest
		if !decodeRequest(w, r, &req, true) {
			return
		}
		workerID, ok := requireWorker(w, r, req.WorkerID)
		if !ok {
			return
		}
		session, err := h.service.TouchSession(r.Context(), workerID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case "station":
		var req selectStationRequest
		if !decodeRequest(w, r, &req, false) {
			return
		}
		workerID, ok := requireWorker(w, r, req.WorkerID)
		if !ok {
			return
		}
		session, err := h.service.SelectStation(r.Context(), workerID, req.StationID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// decodeRequest decodes a JSON body into target. With allowEmpty an absent
// body is accepted and leaves target untouched.
func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}, allowEmpty bool) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "turn already claimed or held by another worker"
	case errors.Is(err, store.ErrTurnNotFound):
		return http.StatusNotFound, "turn_not_found", "turn not found"
	case errors.Is(err, store.ErrStationNotFound):
		return http.StatusNotFound, "station_not_found", "station not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "turn state does not allow this action"
	case errors.Is(err, store.ErrStationUnavailable):
		return http.StatusConflict, "station_unavailable", "station is inactive or occupied"
	case errors.Is(err, store.ErrHoldingsDisabled):
		return http.StatusNotImplemented, "holdings_disabled", "holdings are disabled"
	case errors.Is(err, queue.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		loggerFromContext(r.Context()).WithError(err).Error("request failed")
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
