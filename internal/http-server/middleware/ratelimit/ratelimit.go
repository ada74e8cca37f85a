package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"

	"github.com/QadirTernikar/vigil-vms/internal/lib/api/response"
)

// New limits requests per client IP with a sliding window. A non-positive
// limit disables it.
func New(limit int, window time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, response.Error("too many requests", middleware.GetReqID(r.Context())))
		}),
	)
}
