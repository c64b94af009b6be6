package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/parallel"
	"github.com/crewforge/crewforge/pkg/provider"
	"github.com/crewforge/crewforge/pkg/store"
)

// fail translates domain errors into HTTP status codes.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case store.IsValidationError(err):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflictingState),
		errors.Is(err, parallel.ErrStaleContractReference):
		status = http.StatusConflict
	case errors.Is(err, access.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrStorageUnavailable),
		errors.Is(err, provider.ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
