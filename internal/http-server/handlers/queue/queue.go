package queuehandler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/http-server/handlers"
	"github.com/QadirTernikar/vigil-vms/internal/lib/api/response"
	"github.com/QadirTernikar/vigil-vms/internal/services/queue"
)

type QueueHandler struct {
	log   *slog.Logger
	queue Queue
}

type Queue interface {
	Stats() queue.Stats
	All() []models.PendingSegment
	ForCamera(cameraID string) []models.PendingSegment
	Requeue() (int, error)
}

func New(log *slog.Logger, q Queue) *QueueHandler {
	return &QueueHandler{
		log:   log,
		queue: q,
	}
}

type StatusResponse struct {
	response.Response
	queue.Stats
}

type SegmentsResponse struct {
	response.Response
	Segments []models.PendingSegment `json:"segments"`
}

type RetryResponse struct {
	response.Response
	Requeued int `json:"requeued"`
}

func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, StatusResponse{
		Response: response.OK(),
		Stats:    h.queue.Stats(),
	})
}

// Segments lists queued segments, optionally for one camera. Viewers use it
// to find local segments before they reach the remote index.
func (h *QueueHandler) Segments(w http.ResponseWriter, r *http.Request) {
	var segs []models.PendingSegment
	if cameraID := r.URL.Query().Get("camera_id"); cameraID != "" {
		segs = h.queue.ForCamera(cameraID)
	} else {
		segs = h.queue.All()
	}

	render.JSON(w, r, SegmentsResponse{
		Response: response.OK(),
		Segments: segs,
	})
}

// Retry moves abandoned segments back into the sync sweep.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.queue.Retry"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	n, err := h.queue.Requeue()
	if err != nil {
		handlers.ServiceError(w, r, log, err)

		return
	}

	log.Info("abandoned segments requeued", slog.Int("requeued", n))

	render.JSON(w, r, RetryResponse{
		Response: response.OK(),
		Requeued: n,
	})
}
