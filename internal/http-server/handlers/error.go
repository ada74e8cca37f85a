package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/QadirTernikar/vigil-vms/internal/domain/errs"
	"github.com/QadirTernikar/vigil-vms/internal/lib/api/response"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
)

func Error(w http.ResponseWriter, r *http.Request, statusCode int, err response.Response) {
	render.Status(r, statusCode)
	render.JSON(w, r, err)
}

// ServiceError maps a service error onto a status class and a message that
// is safe to show. Unclassified errors become 500 without their text.
func ServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	reqID := middleware.GetReqID(r.Context())

	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.Int("status", status), sl.Err(err))
	} else {
		log.Warn("request rejected", slog.Int("status", status), sl.Err(err))
	}

	Error(w, r, status, response.Error(msg, reqID))
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, errs.ErrInvalidSchedule):
		return http.StatusBadRequest, unwrapMessage(err)
	case errors.Is(err, errs.ErrSessionExists):
		return http.StatusConflict, errs.ErrSessionExists.Error()
	case errors.Is(err, errs.ErrSessionBusy):
		return http.StatusConflict, errs.ErrSessionBusy.Error()
	case errors.Is(err, errs.ErrSessionNotFound):
		return http.StatusNotFound, errs.ErrSessionNotFound.Error()
	case errors.Is(err, errs.ErrScheduleNotFound):
		return http.StatusNotFound, errs.ErrScheduleNotFound.Error()
	case errors.Is(err, errs.ErrSegmentNotFound):
		return http.StatusNotFound, errs.ErrSegmentNotFound.Error()
	case errors.Is(err, errs.ErrStreamUnavailable):
		return http.StatusBadGateway, errs.ErrStreamUnavailable.Error()
	case errors.Is(err, errs.ErrSourceUnreachable):
		return http.StatusBadGateway, errs.ErrSourceUnreachable.Error()
	case errors.Is(err, errs.ErrProcessStart), errors.Is(err, errs.ErrProcessExited):
		return http.StatusInternalServerError, "recording process failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// unwrapMessage keeps the validation detail that follows the sentinel text.
func unwrapMessage(err error) string {
	msg := err.Error()
	sentinel := errs.ErrInvalidSchedule.Error()

	if i := strings.Index(msg, sentinel); i >= 0 {
		return msg[i:]
	}

	return sentinel
}

// Validate runs struct validation and writes a 400 on failure. It reports
// whether the request may proceed.
func Validate(w http.ResponseWriter, r *http.Request, log *slog.Logger, req any) bool {
	err := validator.New().Struct(req)
	if err == nil {
		return true
	}

	reqID := middleware.GetReqID(r.Context())

	var validateErr validator.ValidationErrors
	if errors.As(err, &validateErr) {
		log.Warn("invalid request", sl.Err(err))
		Error(w, r, http.StatusBadRequest, response.ValidationError(validateErr, reqID))

		return false
	}

	log.Error("failed to validate request", sl.Err(err))
	Error(w, r, http.StatusBadRequest, response.Error("invalid request", reqID))

	return false
}

// DecodeJSON reads the body into v and writes a 400 on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, log *slog.Logger, v any) bool {
	reqID := middleware.GetReqID(r.Context())

	err := render.DecodeJSON(r.Body, v)
	if err == nil {
		return true
	}

	if errors.Is(err, io.EOF) {
		log.Warn("request body is empty")
		Error(w, r, http.StatusBadRequest, response.Error("empty request", reqID))

		return false
	}

	log.Warn("failed to decode request body", sl.Err(err))
	Error(w, r, http.StatusBadRequest, response.Error("failed to decode request", reqID))

	return false
}
