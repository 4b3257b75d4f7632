package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/mendd/internal/healing"
	"github.com/fyrsmithlabs/mendd/internal/store"
	"github.com/fyrsmithlabs/mendd/internal/vectorindex"
)

// ErrorResponse is the JSON body every error returns.
type ErrorResponse struct {
	Error string `json:"error"`
}

// fail maps a domain error onto its HTTP status and responds with it.
func (s *Server) fail(c echo.Context, err error) error {
	return c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, vectorindex.ErrDimensionMismatch),
		errors.Is(err, vectorindex.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrTenantIsolation):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDecisionInProgress),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, healing.ErrGenerationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
