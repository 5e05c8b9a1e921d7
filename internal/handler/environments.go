package handler

import "net/http"

type environmentDescriptor struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	FileExtension string `json:"file_extension"`
}

// ListEnvironments returns every enabled environment's descriptor.
func (h *Handler) ListEnvironments(w http.ResponseWriter, _ *http.Request) {
	names := h.registry.List()
	descriptors := make([]environmentDescriptor, 0, len(names))
	for _, name := range names {
		env, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		descriptors = append(descriptors, environmentDescriptor{
			Name:          name,
			Description:   env.Description,
			FileExtension: env.FileExtension,
		})
	}
	h.JSON(w, http.StatusOK, descriptors)
}
