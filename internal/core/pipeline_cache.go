package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"nlp-backend/internal/core/utils"
	"nlp-backend/internal/storage"

	"github.com/google/uuid"
)

// PipelineCache keeps loaded pipelines alive between predict calls so the
// serving path does not pay the load cost per request. Loaded pipelines are
// not assumed to be safe for concurrent use, so the per-model lock is held
// for the whole time a caller runs inference on one.
type PipelineCache struct {
	store         storage.ObjectStore
	loaders       map[Backend]PipelineLoader
	localModelDir string
	modelBucket   string

	locks utils.MutexMap

	mu        sync.Mutex
	pipelines map[uuid.UUID]Pipeline
}

func NewPipelineCache(store storage.ObjectStore, loaders map[Backend]PipelineLoader, localModelDir, modelBucket string, maxConcurrentModels int) *PipelineCache {
	return &PipelineCache{
		store:         store,
		loaders:       loaders,
		localModelDir: localModelDir,
		modelBucket:   modelBucket,
		locks:         utils.NewMutexMap(maxConcurrentModels),
		pipelines:     make(map[uuid.UUID]Pipeline),
	}
}

// Acquire returns the pipeline for a model, loading it on first use. The
// returned release func must be called once the caller is done running
// inference, it releases the per-model lock.
func (c *PipelineCache) Acquire(ctx context.Context, modelId uuid.UUID, backendName string, args *ModelArgs) (Pipeline, func(), error) {
	key := modelId.String()
	if err := c.locks.Lock(key); err != nil {
		return nil, nil, fmt.Errorf("cannot load model %s: %w", modelId, err)
	}
	release := func() {
		c.locks.Unlock(key) //nolint:errcheck
	}

	c.mu.Lock()
	pipeline, ok := c.pipelines[modelId]
	c.mu.Unlock()
	if ok {
		return pipeline, release, nil
	}

	pipeline, err := c.load(ctx, modelId, backendName, args)
	if err != nil {
		release()
		return nil, nil, err
	}

	c.mu.Lock()
	c.pipelines[modelId] = pipeline
	c.mu.Unlock()
	return pipeline, release, nil
}

func (c *PipelineCache) load(ctx context.Context, modelId uuid.UUID, backendName string, args *ModelArgs) (Pipeline, error) {
	backend, err := ParseBackend(backendName)
	if err != nil {
		return nil, err
	}

	localDir := ""
	if !IsStatelessBackend(backend) {
		localDir = filepath.Join(c.localModelDir, modelId.String())
		if _, err := os.Stat(localDir); os.IsNotExist(err) {
			if err := c.store.DownloadDir(ctx, c.modelBucket, modelId.String(), localDir, false); err != nil {
				return nil, fmt.Errorf("error downloading model %s: %w", modelId, err)
			}
		}
	}

	loader, ok := c.loaders[backend]
	if !ok {
		return nil, fmt.Errorf("no loader registered for backend %s", backend)
	}

	pipeline, err := loader(localDir, args)
	if err != nil {
		return nil, fmt.Errorf("error loading model %s: %w", modelId, err)
	}
	return pipeline, nil
}

// Evict releases a model's pipeline and drops it from the cache. Used when a
// model is deleted or its stored args change.
func (c *PipelineCache) Evict(modelId uuid.UUID) {
	key := modelId.String()
	if err := c.locks.Lock(key); err != nil {
		return
	}
	defer c.locks.Unlock(key) //nolint:errcheck

	c.mu.Lock()
	pipeline, ok := c.pipelines[modelId]
	delete(c.pipelines, modelId)
	c.mu.Unlock()

	if ok {
		pipeline.Release()
	}
}

func (c *PipelineCache) Close() {
	c.mu.Lock()
	modelIds := make([]uuid.UUID, 0, len(c.pipelines))
	for modelId := range c.pipelines {
		modelIds = append(modelIds, modelId)
	}
	c.mu.Unlock()

	for _, modelId := range modelIds {
		c.Evict(modelId)
	}
}
