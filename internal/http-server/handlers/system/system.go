package systemhandler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/QadirTernikar/vigil-vms/internal/lib/api/response"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
	"github.com/QadirTernikar/vigil-vms/internal/services/janitor"
	"github.com/QadirTernikar/vigil-vms/internal/services/queue"
)

type SystemHandler struct {
	log         *slog.Logger
	sessions    SessionCounter
	queue       QueueStats
	disk        DiskReporter
	syncEnabled bool
}

type SessionCounter interface {
	Active() int
}

type QueueStats interface {
	Stats() queue.Stats
}

type DiskReporter interface {
	Disk() (janitor.DiskStatus, error)
}

func New(log *slog.Logger, sessions SessionCounter, q QueueStats, disk DiskReporter, syncEnabled bool) *SystemHandler {
	return &SystemHandler{
		log:         log,
		sessions:    sessions,
		queue:       q,
		disk:        disk,
		syncEnabled: syncEnabled,
	}
}

type HealthResponse struct {
	response.Response
	ActiveSessions int                 `json:"active_sessions"`
	SyncEnabled    bool                `json:"sync_enabled"`
	Queue          queue.Stats         `json:"queue"`
	Disk           *janitor.DiskStatus `json:"disk,omitempty"`
}

// Health reports liveness plus a summary of local state. A disk read error
// is logged and the disk section omitted; it never fails the probe.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.system.Health"

	resp := HealthResponse{
		Response:       response.OK(),
		ActiveSessions: h.sessions.Active(),
		SyncEnabled:    h.syncEnabled,
		Queue:          h.queue.Stats(),
	}

	if h.disk != nil {
		st, err := h.disk.Disk()
		if err != nil {
			h.log.Warn("disk usage unavailable",
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				sl.Err(err),
			)
		} else {
			resp.Disk = &st
		}
	}

	render.JSON(w, r, resp)
}
