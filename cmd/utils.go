package cmd

import (
	"flag"
	"log"
	"log/slog"

	"github.com/joho/godotenv"
	ort "github.com/yalue/onnxruntime_go"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// InitOnnxRuntime initializes the ONNX Runtime environment from the given
// shared library path and returns the matching teardown func. An empty path
// skips initialization; loading an onnx model will then fail, so every
// process serving onnx models needs the library configured.
func InitOnnxRuntime(libraryPath string) func() {
	if libraryPath == "" {
		slog.Info("onnx runtime library not configured, onnx models are disabled")
		return func() {}
	}

	ort.SetSharedLibraryPath(libraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		log.Fatalf("could not init ONNX Runtime: %v", err)
	}

	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Error("error destroying onnx environment", "error", err)
		}
	}
}
