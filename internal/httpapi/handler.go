// Package httpapi exposes the account pool over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/accountpool/internal/allocator"
	"github.com/R3E-Network/accountpool/internal/cache"
	"github.com/R3E-Network/accountpool/internal/domain/account"
	"github.com/R3E-Network/accountpool/internal/floodban"
	"github.com/R3E-Network/accountpool/internal/metrics"
	"github.com/R3E-Network/accountpool/internal/ratelimit"
	"github.com/R3E-Network/accountpool/internal/storage"
	"github.com/R3E-Network/accountpool/pkg/logger"
)

// Services bundles the collaborators the handler needs.
type Services struct {
	Allocator *allocator.Service
	Limiter   *ratelimit.Service
	Flood     *floodban.Service
	Repo      storage.AccountRepository
	Cache     cache.Cache
	Log       *logger.Logger
}

type handler struct {
	Services
}

// NewHandler returns the mux router exposing the pool REST API.
func NewHandler(services Services) http.Handler {
	if services.Log == nil {
		services.Log = logger.NewDefault("httpapi")
	}
	h := &handler{Services: services}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/accounts", h.createAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/allocate", h.allocate).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/release", h.release).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/errors", h.handleError).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/ratelimit/check", h.checkRateLimit).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/actions", h.recordAction).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/health", h.checkHealth).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/recovery", h.scheduleRecovery).Methods(http.MethodPost)
	api.HandleFunc("/maintenance/recoveries/process", h.processRecoveries).Methods(http.MethodPost)
	api.HandleFunc("/maintenance/counters/reset", h.resetCounters).Methods(http.MethodPost)
	api.HandleFunc("/services/{name}/release-all", h.releaseAll).Methods(http.MethodPost)

	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.Cache != nil {
		if err := h.Cache.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
		Handle string `json:"handle"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.UserID == "" || payload.Handle == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id and handle are required"))
		return
	}

	acct, err := h.Repo.CreateAccount(r.Context(), account.Account{
		ID:     payload.ID,
		UserID: payload.UserID,
		Handle: payload.Handle,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Repo.GetAccount(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) allocate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID              string `json:"user_id"`
		Purpose             string `json:"purpose"`
		ServiceName         string `json:"service_name"`
		LeaseTimeoutMinutes int    `json:"lease_timeout_minutes"`
		PreferredAccountID  string `json:"preferred_account_id"`
		TargetChannelID     string `json:"target_channel_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.UserID == "" || payload.ServiceName == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id and service_name are required"))
		return
	}

	lease, err := h.Allocator.Allocate(r.Context(), allocator.Request{
		UserID:      payload.UserID,
		Purpose:     account.Action(payload.Purpose),
		Service:     payload.ServiceName,
		LeaseTTL:    time.Duration(payload.LeaseTimeoutMinutes) * time.Minute,
		PreferredID: payload.PreferredAccountID,
		TargetID:    payload.TargetChannelID,
	})
	if errors.Is(err, allocator.ErrNoAccounts) {
		metrics.RecordAllocation("miss")
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		metrics.RecordAllocation("error")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.RecordAllocation("granted")
	writeJSON(w, http.StatusOK, lease)
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var payload struct {
		ServiceName string             `json:"service_name"`
		Usage       account.UsageDelta `json:"usage"`
		Error       *struct {
			Kind      string `json:"kind"`
			Message   string `json:"message"`
			Service   string `json:"service"`
			Operation string `json:"operation"`
			TargetID  string `json:"target_id"`
		} `json:"error"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.ServiceName == "" {
		writeError(w, http.StatusBadRequest, errors.New("service_name is required"))
		return
	}

	var report *allocator.ErrorReport
	if payload.Error != nil {
		report = &allocator.ErrorReport{
			Kind:    floodban.ParseErrorKind(payload.Error.Kind),
			Message: payload.Error.Message,
			Context: floodban.ErrorContext{
				Service:   payload.Error.Service,
				Operation: payload.Error.Operation,
				TargetID:  payload.Error.TargetID,
			},
		}
	}

	err := h.Allocator.Release(r.Context(), accountID, payload.ServiceName, payload.Usage, report)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *handler) handleError(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var payload struct {
		Kind      string `json:"kind"`
		Message   string `json:"message"`
		Service   string `json:"service"`
		Operation string `json:"operation"`
		TargetID  string `json:"target_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	kind := floodban.ParseErrorKind(payload.Kind)
	result, err := h.Flood.HandleAccountError(r.Context(), accountID, kind, payload.Message,
		floodban.ErrorContext{Service: payload.Service, Operation: payload.Operation, TargetID: payload.TargetID})
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if kind != floodban.ErrorUnknown && result.NewStatus != account.StatusActive {
		metrics.RecordRestriction(payload.Kind)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) checkRateLimit(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var payload struct {
		Action          string `json:"action"`
		TargetChannelID string `json:"target_channel_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	decision, err := h.Limiter.CheckAndReserve(r.Context(), accountID, account.Action(payload.Action), payload.TargetChannelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !decision.Allowed {
		metrics.RecordQuotaDenial(decision.Dimension)
	}

	// Denials are part of the payload; the endpoint itself always succeeds.
	response := map[string]any{"allowed": decision.Allowed}
	if !decision.Allowed {
		response["dimension"] = decision.Dimension
		response["reason"] = decision.Reason
		if decision.RetryAfter > 0 {
			response["retry_after_seconds"] = int64(decision.RetryAfter / time.Second)
		}
		if decision.Limit > 0 {
			response["used"] = decision.Used
			response["limit"] = decision.Limit
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *handler) recordAction(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var payload struct {
		Action          string `json:"action"`
		TargetChannelID string `json:"target_channel_id"`
		Success         bool   `json:"success"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := h.Limiter.Record(r.Context(), accountID, account.Action(payload.Action), payload.TargetChannelID, payload.Success)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (h *handler) checkHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.Flood.CheckAccountHealth(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) scheduleRecovery(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	var payload struct {
		RecoveryTime time.Time `json:"recovery_time"`
		Kind         string    `json:"kind"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.RecoveryTime.IsZero() {
		writeError(w, http.StatusBadRequest, errors.New("recovery_time is required"))
		return
	}
	kind := floodban.RecoveryKind(payload.Kind)
	if kind == "" {
		kind = floodban.RecoveryManual
	}

	if err := h.Flood.ScheduleAccountRecovery(r.Context(), accountID, payload.RecoveryTime, kind); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scheduled"})
}

func (h *handler) processRecoveries(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Limit int `json:"limit"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = 100
	}

	processed, err := h.Flood.ProcessDueRecoveries(r.Context(), payload.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.RecordRecoveries("manual", processed)
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

func (h *handler) resetCounters(w http.ResponseWriter, r *http.Request) {
	affected, err := h.Limiter.ResetDailyCounters(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"affected": affected})
}

func (h *handler) releaseAll(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["name"]

	released, failures, err := h.Allocator.ReleaseAll(r.Context(), service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	errs := make(map[string]string, len(failures))
	for id, failure := range failures {
		errs[id] = failure.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"released": len(released),
		"accounts": released,
		"errors":   errs,
	})
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
