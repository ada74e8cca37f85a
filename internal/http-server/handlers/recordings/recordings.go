package recordinghandler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/http-server/handlers"
	"github.com/QadirTernikar/vigil-vms/internal/lib/api/response"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
)

type RecordHandler struct {
	log      *slog.Logger
	recorder Recorder
}

type Recorder interface {
	Start(ctx context.Context, cameraID, cameraName, sourceURL string) (models.SessionStatus, error)
	Stop(ctx context.Context, cameraID string) (models.StopResult, error)
	Status(cameraID string) (models.SessionStatus, error)
	List() []models.SessionStatus
}

func New(log *slog.Logger, recorder Recorder) *RecordHandler {
	return &RecordHandler{
		log:      log,
		recorder: recorder,
	}
}

// SourceURL is not validated as a URL: credentialed RTSP urls with a raw
// '@' in the password are accepted and re-encoded during negotiation.
type StartRequest struct {
	CameraID   string `json:"camera_id" validate:"required"`
	CameraName string `json:"camera_name"`
	SourceURL  string `json:"source_url" validate:"required"`
}

type StopRequest struct {
	CameraID string `json:"camera_id" validate:"required"`
}

type SessionResponse struct {
	response.Response
	Session models.SessionStatus `json:"session"`
}

type SessionsResponse struct {
	response.Response
	Sessions []models.SessionStatus `json:"sessions"`
}

type StopResponse struct {
	response.Response
	models.StopResult
}

func (h *RecordHandler) Start(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.recordings.Start"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req StartRequest
	if !handlers.DecodeJSON(w, r, log, &req) {
		return
	}

	log.Info("request body decoded", sl.Camera(req.CameraID), slog.String("camera_name", req.CameraName))

	if !handlers.Validate(w, r, log, req) {
		return
	}

	st, err := h.recorder.Start(r.Context(), req.CameraID, req.CameraName, req.SourceURL)
	if err != nil {
		handlers.ServiceError(w, r, log, err)

		return
	}

	render.JSON(w, r, SessionResponse{
		Response: response.OK(),
		Session:  st,
	})
}

func (h *RecordHandler) Stop(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.recordings.Stop"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req StopRequest
	if !handlers.DecodeJSON(w, r, log, &req) {
		return
	}

	log.Info("request body decoded", sl.Camera(req.CameraID))

	if !handlers.Validate(w, r, log, req) {
		return
	}

	res, err := h.recorder.Stop(r.Context(), req.CameraID)
	if err != nil {
		handlers.ServiceError(w, r, log, err)

		return
	}

	render.JSON(w, r, StopResponse{
		Response:   response.OK(),
		StopResult: res,
	})
}

// Status returns one session when camera_id is given, otherwise all of them.
func (h *RecordHandler) Status(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.recordings.Status"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	cameraID := r.URL.Query().Get("camera_id")
	if cameraID == "" {
		render.JSON(w, r, SessionsResponse{
			Response: response.OK(),
			Sessions: h.recorder.List(),
		})

		return
	}

	st, err := h.recorder.Status(cameraID)
	if err != nil {
		handlers.ServiceError(w, r, log, err)

		return
	}

	render.JSON(w, r, SessionResponse{
		Response: response.OK(),
		Session:  st,
	})
}
