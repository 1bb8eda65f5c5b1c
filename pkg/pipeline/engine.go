package pipeline

import (
	"log/slog"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/queue"
	"github.com/clipforge/server/pkg/types"
)

// Engine wires the pipeline components around one store, barrier and queue.
type Engine struct {
	Coordinator *Coordinator
	Worker      *Worker
	Tracker     *Tracker
	Dispatcher  *Dispatcher
	Failures    *FailureHandler
	Clips       *ClipFactory
	Config      Config
}

// Deps are the collaborators the engine runs against. Paths and Blobs are optional.
type Deps struct {
	DB       shared.Database
	Counter  AtomicStageCounter
	Queue    queue.Queue
	Services AnalysisService
	Paths    shared.PathResolver
	Blobs    shared.BlobStore
	Logger   *slog.Logger
}

func NewEngine(deps Deps, cfg Config) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracker := NewTracker(deps.DB, deps.Counter, deps.Blobs, cfg.ArtifactBucket, logger)
	failures := NewFailureHandler(deps.DB, tracker, cfg.StreamFailureThreshold, logger)
	dispatcher := NewDispatcher(deps.DB, deps.Counter, deps.Queue, deps.Paths, cfg, logger)
	clips := NewClipFactory(deps.DB, deps.Services, tracker, failures, logger)
	coordinator := NewCoordinator(deps.DB, dispatcher, failures, clips, cfg, logger)
	tracker.SetListener(coordinator)

	return &Engine{
		Coordinator: coordinator,
		Worker:      NewWorker(deps.DB, deps.Services, tracker, failures, clips, logger),
		Tracker:     tracker,
		Dispatcher:  dispatcher,
		Failures:    failures,
		Clips:       clips,
		Config:      cfg,
	}
}

// RegisterWorkers installs the worker on every stage of an in-process queue
// with the configured concurrency.
func (e *Engine) RegisterWorkers(q *queue.MemoryQueue) {
	for _, stage := range types.Stages {
		q.Register(stage, e.Config.policy(stage).Concurrency, e.Worker.Handle)
	}
}
