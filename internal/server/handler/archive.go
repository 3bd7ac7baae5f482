package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// ArchiveTrigger requests one archival cycle.
type ArchiveTrigger interface {
	Trigger()
}

// archivePrefixes are the key families the archiver writes; object reads
// are confined to them.
var archivePrefixes = []string{"archive/", "depth/"}

// ArchiveHandler serves the archival trigger endpoint and read access to
// archived objects.
type ArchiveHandler struct {
	pipeline ArchiveTrigger
	blobs    domain.BlobReader
	logger   *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(pipeline ArchiveTrigger, blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{pipeline: pipeline, blobs: blobs, logger: logger}
}

// TriggerArchive enqueues one archival cycle. The pipeline loop consumes
// the trigger; a cycle already pending is not duplicated.
// POST /api/archive/trigger
func (h *ArchiveHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "handler: archive trigger requested")
	h.pipeline.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"message":      "archival cycle enqueued",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// ListObjects returns the archived objects under a prefix. The prefix must
// sit inside one of the archiver's key families.
// GET /api/archive/objects?prefix=archive/crossings
func (h *ArchiveHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "archive/"
	}
	if !allowedArchiveKey(prefix) {
		writeError(w, http.StatusBadRequest, "prefix must start with archive/ or depth/")
		return
	}

	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archive list failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archived objects")
		return
	}

	type objectEntry struct {
		Key          string    `json:"key"`
		Size         int64     `json:"size"`
		LastModified time.Time `json:"last_modified"`
	}
	objects := make([]objectEntry, 0, len(infos))
	for _, info := range infos {
		objects = append(objects, objectEntry{
			Key:          info.Path,
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prefix":  prefix,
		"count":   len(objects),
		"objects": objects,
	})
}

// GetObject streams one archived object.
// GET /api/archive/objects/{key...}
func (h *ArchiveHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !allowedArchiveKey(key) {
		writeError(w, http.StatusBadRequest, "key must start with archive/ or depth/")
		return
	}

	body, err := h.blobs.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archived object not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: archive get failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read archived object")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", archiveContentType(key))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive stream interrupted",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func allowedArchiveKey(key string) bool {
	if strings.Contains(key, "..") {
		return false
	}
	for _, p := range archivePrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func archiveContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
