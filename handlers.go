package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"imgvector/config"
	"imgvector/models"
	"imgvector/queue"
	"imgvector/services"
)

type server struct {
	cfg    *config.Settings
	db     *gorm.DB
	store  services.EmbeddingStore
	engine *services.SimilarityEngine
	queue  *queue.Client
	log    *zap.Logger
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// httpStatusFor maps the service failure kinds onto HTTP statuses. StoreFault
// and Timeout come back as retryable statuses so clients can tell them from
// terminal failures.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrStoreFault):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) serviceError(w http.ResponseWriter, err error) {
	status := httpStatusFor(err)
	if status >= 500 {
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeError(w, status, err.Error())
}

// uploadImage accepts a multipart image, validates it, stores the file and a
// pending record, and enqueues embedding generation for the worker pool.
func (s *server) uploadImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxFileSize); err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}

	file, handler, err := r.FormFile("image")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing image file: "+err.Error())
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}

	if int64(len(content)) > s.cfg.MaxFileSize {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file size exceeds maximum of %d bytes", s.cfg.MaxFileSize))
		return
	}

	contentType := handler.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		s.writeError(w, http.StatusBadRequest, "file must be an image")
		return
	}

	ext := strings.ToLower(filepath.Ext(handler.Filename))
	if !allowedExtension(ext, s.cfg.AllowedExtensions) {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("extension %q not allowed, allowed: %v", ext, s.cfg.AllowedExtensions))
		return
	}

	// Reject undecodable content before any record exists. The generator and
	// extractor downstream assume pre-validated bytes.
	if _, _, err := image.DecodeConfig(bytes.NewReader(content)); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid image file: "+err.Error())
		return
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create uploads directory")
		return
	}

	filePath := filepath.Join(s.cfg.UploadDir,
		fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(handler.Filename)))
	if err := os.WriteFile(filePath, content, 0o644); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save file: "+err.Error())
		return
	}

	img := &models.Image{
		Filename:         filepath.Base(filePath),
		OriginalFilename: handler.Filename,
		ContentType:      contentType,
		FileSize:         int64(len(content)),
		FilePath:         filePath,
		ProcessingStatus: models.StatusPending,
	}
	if err := s.store.Create(r.Context(), img); err != nil {
		s.serviceError(w, err)
		return
	}

	taskID, err := s.queue.Enqueue(r.Context(), queue.ImageProcessingQueue, queue.TaskTypeProcessImage, map[string]any{
		"image_id":          img.ID.String(),
		"file_path":         filePath,
		"original_filename": handler.Filename,
	})
	if err != nil {
		s.log.Error("enqueue processing task", zap.Error(err))
		if ferr := s.store.MarkFailed(r.Context(), img.ID, "failed to enqueue processing task"); ferr != nil {
			s.log.Error("mark record failed", zap.Error(ferr))
		}
		s.writeError(w, http.StatusServiceUnavailable, "failed to schedule image processing")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"id":                img.ID,
		"filename":          img.OriginalFilename,
		"processing_status": img.ProcessingStatus,
		"task_id":           taskID,
		"message":           "image uploaded, embedding generation queued",
	})
}

func (s *server) listImages(w http.ResponseWriter, r *http.Request) {
	skip, err := intQuery(r, "skip", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intQuery(r, "limit", 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if skip < 0 || limit < 0 {
		s.writeError(w, http.StatusBadRequest, "skip and limit must not be negative")
		return
	}

	images, err := s.store.List(r.Context(), skip, limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, images)
}

func (s *server) getImage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	img, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, img)
}

func (s *server) deleteImage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	img, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.serviceError(w, err)
		return
	}
	// Best-effort file cleanup; the record and embedding are already gone.
	if img.FilePath != "" {
		if err := os.Remove(img.FilePath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("remove stored file", zap.String("path", img.FilePath), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) findSimilar(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit", s.cfg.MaxSimilarResults)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	threshold, err := floatQuery(r, "threshold", s.cfg.SimilarityThreshold)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.engine.RankByImage(r.Context(), id, limit, threshold)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"query_image_id":   id,
		"similar_images":   results,
		"total_results":    len(results),
		"search_timestamp": time.Now().UTC(),
	})
}

type batchSearchRequest struct {
	Queries   [][]float64 `json:"queries"`
	Limit     *int        `json:"limit"`
	Threshold *float64    `json:"threshold"`
}

// batchSearch ranks the collection against a list of raw query vectors. Each
// vector literal must have exactly the configured dimension.
func (s *server) batchSearch(w http.ResponseWriter, r *http.Request) {
	var req batchSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Queries) == 0 {
		s.writeError(w, http.StatusBadRequest, "queries must not be empty")
		return
	}

	limit := s.cfg.MaxSimilarResults
	if req.Limit != nil {
		limit = *req.Limit
	}
	threshold := s.cfg.SimilarityThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	queries := make([][]float32, len(req.Queries))
	for i, q := range req.Queries {
		queries[i] = services.ToVector32(q)
	}

	results, err := s.engine.BatchRank(r.Context(), queries, limit, threshold)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"results":       results,
		"total_queries": len(results),
	})
}

// findDuplicates runs the full pairwise duplicate scan. Quadratic in the
// number of completed records; intended as an explicit maintenance call.
func (s *server) findDuplicates(w http.ResponseWriter, r *http.Request) {
	threshold, err := floatQuery(r, "threshold", s.cfg.DuplicateThreshold)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intQuery(r, "limit", 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pairs, err := s.engine.FindDuplicates(r.Context(), threshold, limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"duplicates":  pairs,
		"total_pairs": len(pairs),
		"threshold":   threshold,
	})
}

func (s *server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_images":         stats.TotalImages,
		"processed_images":     stats.ProcessedImages,
		"pending_images":       stats.PendingImages,
		"failed_images":        stats.FailedImages,
		"embedding_dimension":  s.cfg.EmbeddingDimension,
		"similarity_threshold": s.cfg.SimilarityThreshold,
		"duplicate_threshold":  s.cfg.DuplicateThreshold,
	})
}

func (s *server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	status, err := s.queue.GetTaskStatus(r.Context(), taskID)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "failed to query task status: "+err.Error())
		return
	}
	result, err := s.queue.GetTaskResult(r.Context(), taskID)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "failed to query task result: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  status,
		"result":  result,
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready probes the database and Redis so load balancers only route to a fully
// wired instance.
func (s *server) ready(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable", "database": err.Error(),
		})
		return
	}
	if err := s.queue.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable", "redis": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid image id: "+err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func allowedExtension(ext string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter %q", name, raw)
	}
	return v, nil
}

func floatQuery(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter %q", name, raw)
	}
	return v, nil
}
