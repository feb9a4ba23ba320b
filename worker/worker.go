package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imgvector/queue"
	"imgvector/services"
)

// Worker drains the image-processing queue: for each uploaded image it runs
// metadata extraction and embedding generation over the stored bytes, then
// completes the record through the store. Extraction and generation are pure
// and CPU-bound, so workers need no coordination beyond the store itself.
type Worker struct {
	queue     *queue.Client
	store     services.EmbeddingStore
	generator *services.EmbeddingGenerator
	extractor *services.MetadataExtractor
	log       *zap.Logger

	queueName  string
	numWorkers int
}

// New creates a worker pool over the given queue and store.
func New(
	q *queue.Client,
	store services.EmbeddingStore,
	generator *services.EmbeddingGenerator,
	extractor *services.MetadataExtractor,
	numWorkers int,
	log *zap.Logger,
) *Worker {
	return &Worker{
		queue:      q,
		store:      store,
		generator:  generator,
		extractor:  extractor,
		log:        log,
		queueName:  queue.ImageProcessingQueue,
		numWorkers: numWorkers,
	}
}

// Run starts the pool and blocks until ctx is cancelled and every worker has
// drained its current task.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("starting workers",
		zap.Int("count", w.numWorkers),
		zap.String("queue", w.queueName))

	var wg sync.WaitGroup
	for i := 0; i < w.numWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	w.log.Info("all workers stopped")
}

func (w *Worker) loop(ctx context.Context, workerID int) {
	log := w.log.With(zap.Int("worker", workerID))
	log.Info("worker started")
	defer log.Info("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx, w.queueName, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		log.Info("processing task",
			zap.String("task_id", task.TaskID),
			zap.String("task_type", task.TaskType))

		if err := w.queue.SetTaskStatus(ctx, task.TaskID, "processing"); err != nil {
			log.Warn("update task status failed", zap.Error(err))
		}

		result, err := w.handle(ctx, task)
		if err != nil {
			log.Error("task failed", zap.String("task_id", task.TaskID), zap.Error(err))
			if serr := w.queue.SetTaskStatus(ctx, task.TaskID, "failed"); serr != nil {
				log.Warn("update task status failed", zap.Error(serr))
			}
			if rerr := w.queue.StoreTaskResult(ctx, task.TaskID, map[string]any{"error": err.Error()}); rerr != nil {
				log.Warn("store task result failed", zap.Error(rerr))
			}
			continue
		}

		if serr := w.queue.SetTaskStatus(ctx, task.TaskID, "completed"); serr != nil {
			log.Warn("update task status failed", zap.Error(serr))
		}
		if rerr := w.queue.StoreTaskResult(ctx, task.TaskID, result); rerr != nil {
			log.Warn("store task result failed", zap.Error(rerr))
		}
	}
}

func (w *Worker) handle(ctx context.Context, task *queue.TaskPayload) (map[string]any, error) {
	switch task.TaskType {
	case queue.TaskTypeProcessImage:
		return w.processImage(ctx, task)
	default:
		return nil, fmt.Errorf("unknown task type %q", task.TaskType)
	}
}

// processImage completes the pending record created at upload time. On any
// failure after the record exists, the record is marked failed so it never
// lingers as pending.
func (w *Worker) processImage(ctx context.Context, task *queue.TaskPayload) (map[string]any, error) {
	imageID, ok := task.Data["image_id"].(string)
	if !ok {
		return nil, fmt.Errorf("task %s missing image_id", task.TaskID)
	}
	filePath, ok := task.Data["file_path"].(string)
	if !ok {
		return nil, fmt.Errorf("task %s missing file_path", task.TaskID)
	}
	label, _ := task.Data["original_filename"].(string)

	id, err := uuid.Parse(imageID)
	if err != nil {
		return nil, fmt.Errorf("task %s has invalid image_id %q: %w", task.TaskID, imageID, err)
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		w.markFailed(ctx, id, fmt.Sprintf("read stored file: %v", err))
		return nil, fmt.Errorf("read stored file: %w", err)
	}

	metadata := w.extractor.Extract(content)
	embedding := w.generator.Generate(content, label)

	if err := w.store.UpdateEmbedding(ctx, id, services.ToVector32(embedding), metadata); err != nil {
		w.markFailed(ctx, id, fmt.Sprintf("store embedding: %v", err))
		return nil, fmt.Errorf("store embedding: %w", err)
	}

	return map[string]any{
		"image_id":            imageID,
		"embedding_dimension": w.generator.Dimension(),
		"metadata":            metadata,
	}, nil
}

func (w *Worker) markFailed(ctx context.Context, id uuid.UUID, reason string) {
	if err := w.store.MarkFailed(ctx, id, reason); err != nil {
		w.log.Error("mark record failed", zap.String("image_id", id.String()), zap.Error(err))
	}
}
