// Package api exposes scheduling, cancellation, listing and immediate sends
// over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/slackq/internal/credentials"
	"github.com/SirClappington/slackq/internal/delivery"
	"github.com/SirClappington/slackq/internal/domain"
	"github.com/SirClappington/slackq/internal/intake"
	"github.com/SirClappington/slackq/internal/slack"
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

type Messages interface {
	Schedule(ctx context.Context, req intake.ScheduleRequest) (domain.Job, error)
	Cancel(ctx context.Context, tenantID string, id uuid.UUID) (domain.Job, error)
	List(ctx context.Context, tenantID string, includeCancelled bool) ([]domain.Job, error)
	SendNow(ctx context.Context, tenantID, channelID, text string) (intake.SendResult, error)
}

type Channels interface {
	ListChannels(ctx context.Context, tenantID string) ([]delivery.Channel, error)
}

// HealthChecker reports the reachability of one backing service.
type HealthChecker func(ctx context.Context) error

type Handler struct {
	messages Messages
	channels Channels
	token    string
	log      *zap.Logger
	health   map[string]HealthChecker
}

func NewHandler(messages Messages, channels Channels, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		messages: messages,
		channels: channels,
		log:      log.Named("api"),
		health:   map[string]HealthChecker{},
	}
}

// WithToken requires every /v1 request to carry "Authorization: Bearer <token>".
func (h *Handler) WithToken(token string) *Handler {
	h.token = token
	return h
}

// WithHealthCheck adds a component to verbose /healthz responses.
func (h *Handler) WithHealthCheck(name string, check HealthChecker) *Handler {
	h.health[name] = check
	return h
}

// Router builds the chi router serving all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)

	r.Route("/v1/tenants/{tenantID}", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/channels", h.listChannels)
		r.Post("/messages", h.sendNow)
		r.Post("/jobs", h.scheduleJob)
		r.Get("/jobs", h.listJobs)
		r.Post("/jobs/{jobID}/cancel", h.cancelJob)
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				writeError(w, http.StatusUnauthorized, ErrorResponse{Error: "not_authenticated"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") != "true" || len(h.health) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Components: map[string]string{}}
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
			continue
		}
		resp.Components[name] = "healthy"
	}

	status := http.StatusOK
	if resp.Status == "degraded" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	chans, err := h.channels.ListChannels(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := ChannelListResponse{Channels: make([]ChannelResponse, len(chans))}
	for i, c := range chans {
		resp.Channels[i] = ChannelResponse{ID: c.ID, Name: c.Name}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) sendNow(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.messages.SendNow(r.Context(), chi.URLParam(r, "tenantID"), req.ChannelID, req.Text)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{OK: true, MessageID: res.MessageID, Permalink: res.Permalink})
}

func (h *Handler) scheduleJob(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SendAt == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: "send_at: is required"})
		return
	}
	sendAt, err := time.Parse(time.RFC3339, req.SendAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_datetime", Message: "send_at must be RFC 3339"})
		return
	}

	job, err := h.messages.Schedule(r.Context(), intake.ScheduleRequest{
		TenantID:  chi.URLParam(r, "tenantID"),
		ChannelID: req.ChannelID,
		Text:      req.Text,
		SendAt:    sendAt,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	includeCancelled := r.URL.Query().Get("include_cancelled") == "true"
	jobs, err := h.messages.List(r.Context(), chi.URLParam(r, "tenantID"), includeCancelled)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := JobListResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = toJobResponse(j)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "not_found"})
		return
	}
	job, err := h.messages.Cancel(r.Context(), chi.URLParam(r, "tenantID"), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr   *intake.ValidationError
		apiErr *slack.APIError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: verr.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "not_found"})
	case errors.Is(err, credentials.ErrNoCredential):
		writeError(w, http.StatusConflict, ErrorResponse{Error: "no_credential", Message: "tenant has not installed the app"})
	case errors.Is(err, credentials.ErrRefreshFailed):
		writeError(w, http.StatusBadGateway, ErrorResponse{Error: "refresh_failed"})
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, ErrorResponse{Error: "provider_error", ProviderCode: apiErr.Code})
	default:
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request_too_large"})
			return false
		}
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}
