// Package storage serves content-addressed blobs over the publisher/aggregator HTTP API
// the runtime's content store speaks.
package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"suimessenger/internal/domain"
	"suimessenger/internal/repository/walrus"
	"suimessenger/pkg/contentid"
	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
	"suimessenger/pkg/response"
)

// BlobStore is the backing store of the node
type BlobStore interface {
	Exists(contentID string) bool
	Put(ctx context.Context, data []byte, epochs int) (domain.BlobReference, error)
	Get(ctx context.Context, contentID string) ([]byte, error)
}

// Handler handles blob HTTP requests
type Handler struct {
	store   BlobStore
	metrics *metrics.Metrics
}

// NewHandler creates a new blob handler
func NewHandler(store BlobStore, m *metrics.Metrics) *Handler {
	return &Handler{
		store:   store,
		metrics: m,
	}
}

// Register mounts the blob routes on r
func (h *Handler) Register(r gin.IRouter, uploads ...gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.PUT("/blobs", append(uploads, h.PutBlob)...)
	v1.GET("/blobs/:blob_id", h.GetBlob)
}

// PutBlob stores the request body
// PUT /v1/blobs?epochs=N
func (h *Handler) PutBlob(c *gin.Context) {
	epochs := 1
	if raw := c.Query("epochs"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.ValidationError(c, "epochs must be a positive integer")
			return
		}
		epochs = n
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, walrus.MaxBlobBytes+1))
	if err != nil {
		response.ValidationError(c, "failed to read request body")
		return
	}
	if len(data) == 0 {
		response.ValidationError(c, "blob is empty")
		return
	}
	if len(data) > walrus.MaxBlobBytes {
		response.TooLarge(c, "blob exceeds the size limit")
		return
	}

	id, err := contentid.Compute(data)
	if err != nil {
		h.record("error", 0)
		response.InternalError(c, "failed to address blob")
		return
	}
	existed := h.store.Exists(id)

	ref, err := h.store.Put(c.Request.Context(), data, epochs)
	if err != nil {
		h.record("error", 0)
		logger.FromContext(c.Request.Context()).Error("Failed to store blob", zap.Error(err))
		response.InternalError(c, "failed to store blob")
		return
	}

	var reply walrus.PutResponse
	if existed {
		h.record("certified", len(data))
		reply.AlreadyCertified = &walrus.AlreadyCertified{BlobID: ref.ContentID}
	} else {
		h.record("created", len(data))
		reply.NewlyCreated = &walrus.NewlyCreated{
			BlobObject: walrus.BlobObject{BlobID: ref.ContentID, Size: ref.SizeBytes},
		}
	}
	c.JSON(http.StatusOK, reply)
}

// GetBlob returns the blob bytes
// GET /v1/blobs/:blob_id
func (h *Handler) GetBlob(c *gin.Context) {
	id := c.Param("blob_id")
	if err := contentid.Validate(id); err != nil {
		response.FromError(c, apperrors.InvalidInputError("blob id is not a content identifier").WithDetails(err.Error()))
		return
	}
	data, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) {
			response.NotFound(c, "blob not found")
			return
		}
		logger.FromContext(c.Request.Context()).Error("Failed to read blob", zap.String("blob_id", id), zap.Error(err))
		response.InternalError(c, "failed to read blob")
		return
	}
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (h *Handler) record(result string, size int) {
	if h.metrics != nil {
		h.metrics.RecordBlobStored(result, size)
	}
}
