package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"nlp-backend/cmd"
	"nlp-backend/internal/core"
	"nlp-backend/internal/database"
	"nlp-backend/internal/hub"
	"nlp-backend/internal/messaging"
	"nlp-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL,notEmpty,required"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID,notEmpty,required"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY,notEmpty,required"`
	S3Region          string `env:"AWS_REGION,notEmpty,required"`
	ModelBucketName   string `env:"MODEL_BUCKET_NAME" envDefault:"models"`

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
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
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
		log.Fatalf("Worker: Failed to create object store: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	remote := core.RemoteConfig{
		BaseURL: cfg.RemoteBaseURL,
		APIKey:  cfg.RemoteAPIKey,
		Model:   cfg.RemoteModel,
	}
	loaders := core.NewPipelineLoaders(cfg.PythonExecutable, cfg.PluginScript, remote)

	hubClient := hub.NewClient(cfg.HubEndpoint, cfg.HubToken)

	processor := core.NewTaskProcessor(db, store, receiver, hubClient, cfg.LocalModelDir, cfg.ModelBucketName, remote, loaders)

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutdown signal received, stopping worker...")
		processor.Stop()
	}()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")
	processor.Start()

	log.Println("Worker process stopped.")
}
