package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/akmatori/opsrelay/internal/api"
	"github.com/akmatori/opsrelay/internal/services"
)

// respondServiceError maps service errors onto the api error envelope.
// Anything unrecognised is logged and reported as a 500 without details.
func respondServiceError(w http.ResponseWriter, err error, action string) {
	var validationErr *services.ValidationError
	var transitionErr *services.InvalidTransitionError

	switch {
	case errors.Is(err, services.ErrAuth):
		api.RespondErrorWithCode(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing signature")
	case errors.Is(err, services.ErrNotFound):
		api.RespondErrorWithCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &transitionErr):
		api.RespondJSON(w, http.StatusConflict, api.ErrorResponse{
			Error: transitionErr.Error(),
			Code:  "invalid_transition",
			Details: map[string]string{
				"from": string(transitionErr.From),
				"to":   string(transitionErr.To),
			},
		})
	case errors.As(err, &validationErr):
		field := validationErr.Field
		if field == "" {
			field = "_"
		}
		api.RespondJSON(w, http.StatusBadRequest, api.ErrorResponse{
			Error:   "Invalid request",
			Code:    "invalid_request",
			Details: map[string]string{field: validationErr.Message},
		})
	default:
		log.Printf("Handlers: failed to %s: %v", action, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}
