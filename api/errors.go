package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"shelfcheck/library"
)

func statusOf(err error) int {
	switch library.CodeOf(err) {
	case library.CodeValidation:
		return http.StatusBadRequest
	case library.CodeNotFound:
		return http.StatusNotFound
	case library.CodeUnavailable, library.CodeConflict:
		return http.StatusConflict
	case library.CodeForbidden:
		return http.StatusForbidden
	case library.CodeAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the caller-facing message for err. Causes only reach the log.
func (h *Handler) fail(c echo.Context, op string, err error) error {
	status := statusOf(err)
	rid := c.Response().Header().Get(echo.HeaderXRequestID)
	if status >= http.StatusInternalServerError {
		h.log.Error(op, "err", err, "req_id", rid)
	} else {
		h.log.Info(op+" rejected", "code", library.CodeOf(err), "req_id", rid)
	}
	return c.JSON(status, echo.Map{"message": library.MessageOf(err)})
}
