package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nlp-backend/cmd"
	"nlp-backend/internal/api"
	"nlp-backend/internal/core"
	"nlp-backend/internal/database"
	"nlp-backend/internal/hub"
	"nlp-backend/internal/messaging"
	"nlp-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type APIConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL,notEmpty,required"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID,notEmpty,required"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY,notEmpty,required"`
	S3Region          string `env:"AWS_REGION,notEmpty,required"`
	ModelBucketName   string `env:"MODEL_BUCKET_NAME" envDefault:"models"`
	UploadBucketName  string `env:"UPLOAD_BUCKET_NAME" envDefault:"uploads"`
	APIPort           string `env:"API_PORT" envDefault:"8001"`

	LocalModelDir    string `env:"LOCAL_MODEL_DIR" envDefault:"./models"`
	HubEndpoint      string `env:"HUB_ENDPOINT" envDefault:""`
	HubToken         string `env:"HUB_TOKEN" envDefault:""`
	PythonExecutable string `env:"PYTHON_EXECUTABLE" envDefault:"python3"`
	PluginScript     string `env:"PLUGIN_SCRIPT" envDefault:"plugin/python/pipeline_plugin.py"`
	OnnxRuntimeLib   string `env:"ONNX_RUNTIME_LIB" envDefault:""`

	RemoteBaseURL string `env:"REMOTE_INFERENCE_BASE_URL" envDefault:""`
	RemoteAPIKey  string `env:"REMOTE_INFERENCE_API_KEY" envDefault:""`
	RemoteModel   string `env:"REMOTE_INFERENCE_MODEL" envDefault:""`
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	destroyOnnx := cmd.InitOnnxRuntime(cfg.OnnxRuntimeLib)
	defer destroyOnnx()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	for _, bucket := range []string{cfg.ModelBucketName, cfg.UploadBucketName} {
		if err := store.CreateBucket(context.Background(), bucket); err != nil {
			log.Fatalf("Failed to create bucket %s: %v", bucket, err)
		}
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

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
	pipelines := core.NewPipelineCache(store, loaders, cfg.LocalModelDir, cfg.ModelBucketName, 16)
	defer pipelines.Close()

	hubClient := hub.NewClient(cfg.HubEndpoint, cfg.HubToken)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, store, publisher, hubClient, registry, pipelines, cfg.ModelBucketName, cfg.UploadBucketName)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
