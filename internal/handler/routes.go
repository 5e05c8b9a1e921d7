package handler

import (
	"net/http"

	"github.com/sandboxrun/execd/internal/routes"
)

// GetRoutes returns every registered route's metadata.
func (h *Handler) GetRoutes(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, routes.All())
}
