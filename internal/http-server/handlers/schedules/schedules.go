package schedulehandler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/http-server/handlers"
	"github.com/QadirTernikar/vigil-vms/internal/lib/api/response"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
	"github.com/QadirTernikar/vigil-vms/internal/services/negotiator"
)

type ScheduleHandler struct {
	log       *slog.Logger
	scheduler Scheduler
}

type Scheduler interface {
	List() []models.Schedule
	Add(sch models.Schedule) (models.Schedule, error)
	SetActive(id string, active bool) (models.Schedule, error)
	Remove(id string) error
}

func New(log *slog.Logger, scheduler Scheduler) *ScheduleHandler {
	return &ScheduleHandler{
		log:       log,
		scheduler: scheduler,
	}
}

// CreateRequest defaults is_active to true when omitted.
type CreateRequest struct {
	CameraID   string              `json:"camera_id" validate:"required"`
	CameraName string              `json:"camera_name" validate:"required"`
	SourceURL  string              `json:"source_url" validate:"required"`
	Type       models.ScheduleType `json:"type" validate:"required,oneof=one_time daily weekly"`
	StartTime  string              `json:"start_time" validate:"required"`
	EndTime    string              `json:"end_time"`
	Weekdays   []int               `json:"weekdays" validate:"omitempty,dive,min=1,max=7"`
	IsActive   *bool               `json:"is_active"`
}

type PatchRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

type ScheduleResponse struct {
	response.Response
	Schedule models.Schedule `json:"schedule"`
}

type SchedulesResponse struct {
	response.Response
	Schedules []models.Schedule `json:"schedules"`
}

func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, SchedulesResponse{
		Response:  response.OK(),
		Schedules: redactAll(h.scheduler.List()),
	})
}

func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.schedules.Create"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req CreateRequest
	if !handlers.DecodeJSON(w, r, log, &req) {
		return
	}

	log.Info("request body decoded", sl.Camera(req.CameraID), slog.String("type", string(req.Type)))

	if !handlers.Validate(w, r, log, req) {
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	sch, err := h.scheduler.Add(models.Schedule{
		CameraID:   req.CameraID,
		CameraName: req.CameraName,
		SourceURL:  req.SourceURL,
		Type:       req.Type,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Weekdays:   req.Weekdays,
		IsActive:   active,
	})
	if err != nil {
		handlers.ServiceError(w, r, log, err)

		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, ScheduleResponse{
		Response: response.OK(),
		Schedule: redact(sch),
	})
}

func (h *ScheduleHandler) Patch(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.schedules.Patch"

	id := chi.URLParam(r, "id")

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("schedule_id", id),
	)

	var req PatchRequest
	if !handlers.DecodeJSON(w, r, log, &req) {
		return
	}

	if !handlers.Validate(w, r, log, req) {
		return
	}

	sch, err := h.scheduler.SetActive(id, *req.IsActive)
	if err != nil {
		handlers.ServiceError(w, r, log, err)

		return
	}

	log.Info("schedule updated", slog.Bool("is_active", sch.IsActive))

	render.JSON(w, r, ScheduleResponse{
		Response: response.OK(),
		Schedule: redact(sch),
	})
}

func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.schedules.Delete"

	id := chi.URLParam(r, "id")

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("schedule_id", id),
	)

	if err := h.scheduler.Remove(id); err != nil {
		handlers.ServiceError(w, r, log, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// redact hides camera credentials; the persisted schedule keeps the full url.
func redact(sch models.Schedule) models.Schedule {
	sch.SourceURL = negotiator.Redact(sch.SourceURL)

	return sch
}

func redactAll(in []models.Schedule) []models.Schedule {
	out := make([]models.Schedule, len(in))
	for i, sch := range in {
		out[i] = redact(sch)
	}

	return out
}
