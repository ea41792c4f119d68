package handler

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"slotboard/internal/appointments/service"
	httputil "slotboard/pkg/http"
	"slotboard/pkg/logger"
	"slotboard/pkg/middleware"
	"slotboard/pkg/model"
)

type AppointmentHandler struct {
	service service.AppointmentService
	log     *logger.Logger
}

func NewAppointmentHandler(service service.AppointmentService, log *logger.Logger) *AppointmentHandler {
	return &AppointmentHandler{
		service: service,
		log:     log,
	}
}

func (h *AppointmentHandler) Claim(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req model.AppointmentRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	appointment, err := h.service.Claim(r.Context(), middleware.IdentityFromContext(r.Context()), &req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := httputil.WriteCreated(w, appointment); err != nil {
		h.log.Error("failed to write created response", "handler", "Claim", "operation", "WriteCreated", "error", err)
	}
}

func (h *AppointmentHandler) Release(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := h.service.Release(r.Context(), middleware.IdentityFromContext(r.Context())); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// BookedTimes lists the times already committed on ?date=.
func (h *AppointmentHandler) BookedTimes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	times, err := h.service.BookedTimes(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if times == nil {
		times = []string{}
	}

	if err := httputil.WriteSuccess(w, times); err != nil {
		h.log.Error("failed to write success response", "handler", "BookedTimes", "operation", "WriteSuccess", "error", err)
	}
}

func (h *AppointmentHandler) Mine(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	slot, err := h.service.Mine(r.Context(), middleware.IdentityFromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := httputil.WriteSuccess(w, slot); err != nil {
		h.log.Error("failed to write success response", "handler", "Mine", "operation", "WriteSuccess", "error", err)
	}
}

func (h *AppointmentHandler) RegisterRoutes(router *httprouter.Router) {
	router.POST("/api/v1/appointments", h.Claim)
	router.DELETE("/api/v1/appointments", h.Release)
	router.GET("/api/v1/appointments", h.BookedTimes)
	router.GET("/api/v1/appointments/me", h.Mine)
}
