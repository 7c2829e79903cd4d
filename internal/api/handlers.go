package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/market-broadcast/internal/model"
	"github.com/LeventeLantos/market-broadcast/internal/repo"
	"github.com/LeventeLantos/market-broadcast/internal/scheduler"
	"github.com/LeventeLantos/market-broadcast/internal/service"
)

// RunService is the slice of the run service the HTTP surface needs.
type RunService interface {
	Enqueue(ctx context.Context, req service.EnqueueRequest) (*model.Run, error)
	Get(ctx context.Context, id int64) (*model.Run, error)
	Repost(ctx context.Context, id int64, requestedBy string) (*model.Run, error)
	Cancel(ctx context.Context, id int64) (*model.Run, error)
	RequeueUnknown(ctx context.Context, id int64) (int64, error)
	ListDeliveries(ctx context.Context, runID int64, statuses []model.DeliveryStatus, limit, offset int) ([]model.Delivery, error)
	Delete(ctx context.Context, id int64) error
}

type Handler struct {
	runs  RunService
	sched *scheduler.Scheduler
}

func NewHandler(runs RunService, sched *scheduler.Scheduler) *Handler {
	return &Handler{runs: runs, sched: sched}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

type createRunRequest struct {
	Message     string         `json:"message"`
	Attachments []string       `json:"attachments"`
	Audience    model.Selector `json:"audience"`
	RequestedBy string         `json:"requestedBy"`
}

func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !validAudienceKind(req.Audience.Kind) {
		http.Error(w, "unknown audience kind", http.StatusBadRequest)
		return
	}

	run, err := h.runs.Enqueue(r.Context(), service.EnqueueRequest{
		Message:     req.Message,
		Attachments: req.Attachments,
		Audience:    req.Audience,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	statuses, ok := statusFilter(r.URL.Query().Get("status"))
	if !ok {
		http.Error(w, "unknown status filter", http.StatusBadRequest)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.runs.ListDeliveries(r.Context(), id, statuses, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := h.runs.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) RequeueUnknown(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	n, err := h.runs.RequeueUnknown(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

func (h *Handler) RepostRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	var req struct {
		RequestedBy string `json:"requestedBy"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	run, err := h.runs.Repost(r.Context(), id, req.RequestedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if err := h.runs.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func validAudienceKind(k model.AudienceKind) bool {
	switch k {
	case model.AudienceAll, model.AudienceUserIDs, model.AudienceChannel, model.AudienceActiveChannel:
		return true
	}
	return false
}

// statusFilter maps the coarse query-string filter to delivery statuses.
// An empty slice means no filter. PENDING covers everything still in
// flight; FAILED covers both failure flavors.
func statusFilter(raw string) ([]model.DeliveryStatus, bool) {
	switch strings.ToUpper(raw) {
	case "", "ALL":
		return nil, true
	case "SENT":
		return []model.DeliveryStatus{model.DeliverySent}, true
	case "FAILED":
		return []model.DeliveryStatus{model.DeliveryFailedPermanent, model.DeliveryFailedRetry}, true
	case "UNKNOWN":
		return []model.DeliveryStatus{model.DeliveryUnknown}, true
	case "PENDING":
		return []model.DeliveryStatus{model.DeliveryPending, model.DeliveryProcessing}, true
	}
	return nil, false
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		http.Error(w, "run not found", http.StatusNotFound)
	case errors.Is(err, repo.ErrRunNotTerminal):
		http.Error(w, "run is still active", http.StatusConflict)
	case errors.Is(err, repo.ErrRunActive):
		http.Error(w, "run is currently being processed", http.StatusConflict)
	case errors.Is(err, service.ErrEmptyMessage), errors.Is(err, service.ErrMessageTooLong):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
