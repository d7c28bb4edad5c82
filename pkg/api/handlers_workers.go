package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// WorkerResponse is the API representation of a worker heartbeat row.
type WorkerResponse struct {
	ID        string                  `json:"id"`
	Hostname  string                  `json:"hostname"`
	PID       int                     `json:"pid"`
	StartedAt time.Time               `json:"started_at"`
	LastSeen  time.Time               `json:"last_seen"`
	Alive     bool                    `json:"alive"`
	Resources models.ResourceSnapshot `json:"resources"`
}

// listWorkers handles GET /api/v1/workers
func (s *Server) listWorkers(c *gin.Context) {
	rows, err := s.workers.ListWorkers(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}

	cutoff := time.Now().Add(-storage.WorkerLivenessWindow)
	response := make([]WorkerResponse, len(rows))
	for i, w := range rows {
		response[i] = WorkerResponse{
			ID:        w.ID,
			Hostname:  w.Hostname,
			PID:       w.PID,
			StartedAt: w.StartedAt,
			LastSeen:  w.LastSeen,
			Alive:     w.LastSeen.After(cutoff),
			Resources: w.Resources,
		}
	}

	respondData(c, http.StatusOK, response)
}
