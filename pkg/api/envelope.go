package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketpulse/pkg/storage"
)

// Envelope is the uniform response shape. Success responses carry Data
// (and Meta for lists); failures carry Error.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *ListMeta   `json:"meta,omitempty"`
}

// ListMeta carries pagination info for list responses.
type ListMeta struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func respondData(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func respondList(c *gin.Context, data interface{}, meta ListMeta) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data, Meta: &meta})
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, Envelope{Success: false, Error: msg})
}

// respondStoreError maps storage sentinels onto HTTP statuses. Unknown
// errors become opaque 500s; details stay in the logs.
func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(c, http.StatusNotFound, "job not found")
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotHeld):
		respondError(c, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrPayloadTooLarge):
		respondError(c, http.StatusRequestEntityTooLarge, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}
