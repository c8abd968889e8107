package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"path/filepath"

	"nlp-backend/cmd"
	"nlp-backend/internal/api"
	"nlp-backend/internal/core"
	"nlp-backend/internal/database"
	"nlp-backend/internal/hub"
	"nlp-backend/internal/messaging"
	"nlp-backend/internal/storage"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root       string `env:"ROOT" envDefault:"./nlp-backend"`
	AppDataDir string `env:"APP_DATA_DIR" envDefault:"./nlp-backend"`
	Port       int    `env:"PORT" envDefault:"3001"`

	ModelBucket  string `env:"MODEL_BUCKET_NAME" envDefault:"models"`
	UploadBucket string `env:"UPLOAD_BUCKET_NAME" envDefault:"uploads"`

	HubEndpoint string `env:"HUB_ENDPOINT" envDefault:"https://huggingface.co"`
	HubToken    string `env:"HUB_TOKEN" envDefault:""`

	PythonExecutable string `env:"PYTHON_EXECUTABLE" envDefault:"python3"`
	PluginScript     string `env:"PLUGIN_SCRIPT" envDefault:"plugin/python/pipeline_plugin.py"`

	OnnxRuntimeLib string `env:"ONNX_RUNTIME_LIB" envDefault:""`

	RemoteBaseURL string `env:"REMOTE_INFERENCE_BASE_URL" envDefault:""`
	RemoteAPIKey  string `env:"REMOTE_INFERENCE_API_KEY" envDefault:""`
	RemoteModel   string `env:"REMOTE_INFERENCE_MODEL" envDefault:""`
}

const maxConcurrentModels = 8

func createDatabase(appDataDir string) *gorm.DB {
	path := filepath.Join(appDataDir, "db", "nlp-backend.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// failInterruptedJobs marks jobs that were mid-run during the last shutdown as
// failed. Their partial results are already persisted, so rerunning them would
// collide with the stored rows.
func failInterruptedJobs(db *gorm.DB) {
	var jobs []database.PredictionJob
	if err := db.Where("status = ?", database.JobRunning).Find(&jobs).Error; err != nil {
		log.Fatalf("Failed to fetch interrupted jobs from database: %v", err)
	}

	for _, job := range jobs {
		database.SaveJobError(context.Background(), db, job.Id, "job was interrupted by a backend restart")
		if err := database.UpdateJobStatus(context.Background(), db, job.Id, database.JobFailed); err != nil {
			slog.Error("error failing interrupted job", "job_id", job.Id, "error", err)
		}
	}
}

func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var models []database.Model
	if err := db.Where("status = ?", database.ModelQueued).Find(&models).Error; err != nil {
		log.Fatalf("Failed to fetch queued models from database: %v", err)
	}

	var jobs []database.PredictionJob
	if err := db.Where("status = ? AND deleted = ?", database.JobQueued, false).Find(&jobs).Error; err != nil {
		log.Fatalf("Failed to fetch queued jobs from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, model := range models {
		if err := queue.PublishPrepareModelTask(context.Background(), messaging.PrepareModelPayload{
			ModelId: model.Id,
		}); err != nil {
			log.Fatalf("Failed to publish model preparation task: %v", err)
		}
	}

	for _, job := range jobs {
		if err := queue.PublishPredictionJobTask(context.Background(), messaging.PredictionJobPayload{
			JobId: job.Id,
		}); err != nil {
			log.Fatalf("Failed to publish prediction job task: %v", err)
		}
	}

	return queue
}

func createServer(db *gorm.DB, store storage.ObjectStore, queue messaging.Publisher, hubClient *hub.Client, registry *core.TaskRegistry, pipelines *core.PipelineCache, modelBucket, uploadBucket string, port int) *http.Server {
	r := chi.NewRouter()

	// Middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},                                       // Allow all origins (TODO: make this an env var)
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}, // Allow all HTTP methods
		AllowedHeaders:   []string{"*"},                                       // Allow all headers
		ExposedHeaders:   []string{"*"},                                       // Expose all headers
		AllowCredentials: true,                                                // Allow cookies/auth headers
		MaxAge:           300,                                                 // Cache preflight response for 5 minutes
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)                    // Log requests
	r.Use(middleware.Recoverer)                 // Recover from panics
	r.Use(middleware.Timeout(60 * time.Second)) // Set request timeout

	apiHandler := api.NewBackendService(db, store, queue, hubClient, registry, pipelines, modelBucket, uploadBucket)

	r.Route("/api/v1", apiHandler.AddRoutes)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	destroyOnnxRuntime := cmd.InitOnnxRuntime(cfg.OnnxRuntimeLib)
	defer destroyOnnxRuntime()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "app_data_dir", cfg.AppDataDir)

	db := createDatabase(cfg.AppDataDir)

	failInterruptedJobs(db)

	queue := createQueue(db)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}
	for _, bucket := range []string{cfg.ModelBucket, cfg.UploadBucket} {
		if err := store.CreateBucket(context.Background(), bucket); err != nil {
			log.Fatalf("Failed to create bucket %s: %v", bucket, err)
		}
	}

	registry, err := core.LoadTaskRegistry()
	if err != nil {
		log.Fatalf("Failed to load task registry: %v", err)
	}

	remote := core.RemoteConfig{
		BaseURL: cfg.RemoteBaseURL,
		APIKey:  cfg.RemoteAPIKey,
		Model:   cfg.RemoteModel,
	}
	loaders := core.NewPipelineLoaders(cfg.PythonExecutable, cfg.PluginScript, remote)

	modelDir := filepath.Join(cfg.Root, "models")

	pipelines := core.NewPipelineCache(store, loaders, modelDir, cfg.ModelBucket, maxConcurrentModels)
	defer pipelines.Close()

	hubClient := hub.NewClient(cfg.HubEndpoint, cfg.HubToken)

	worker := core.NewTaskProcessor(db, store, queue, hubClient, modelDir, cfg.ModelBucket, remote, loaders)

	server := createServer(db, store, queue, hubClient, registry, pipelines, cfg.ModelBucket, cfg.UploadBucket, cfg.Port)

	slog.Info("starting worker")
	go worker.Start()

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
