package server

import (
	"net/http"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

// handleListModels returns the supported model list in OpenAI format.
func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().Unix()
	data := make([]modelEntry, len(gateway.SupportedModels))
	for i, m := range gateway.SupportedModels {
		data[i] = modelEntry{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
