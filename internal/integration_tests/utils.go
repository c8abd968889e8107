package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"nlp-backend/internal/core"
	"nlp-backend/internal/database"
	"nlp-backend/internal/hub"
	"nlp-backend/internal/messaging"
	"nlp-backend/internal/storage"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	modelBucket  = "test-model-bucket"
	uploadBucket = "test-upload-bucket"
)

// keywordPipeline stands in for a real inference engine so the workflow tests
// run without model weights or a python runtime. Texts containing one of the
// keywords classify as LABEL_1, everything else as LABEL_0.
type keywordPipeline struct {
	keywords []string
}

func (p *keywordPipeline) Run(ctx context.Context, texts []string, args *core.ModelArgs) ([][]map[string]any, error) {
	results := make([][]map[string]any, len(texts))
	for i, text := range texts {
		score := 0.1
		for _, keyword := range p.keywords {
			if strings.Contains(strings.ToLower(text), keyword) {
				score = 0.9
				break
			}
		}
		if score >= 0.5 {
			results[i] = []map[string]any{
				{"label": "LABEL_1", "score": score},
				{"label": "LABEL_0", "score": 1 - score},
			}
		} else {
			results[i] = []map[string]any{
				{"label": "LABEL_0", "score": 1 - score},
				{"label": "LABEL_1", "score": score},
			}
		}
	}
	return results, nil
}

func (p *keywordPipeline) Release() {}

func keywordLoaders(keywords ...string) map[core.Backend]core.PipelineLoader {
	return map[core.Backend]core.PipelineLoader{
		core.PythonBackend: func(modelDir string, args *core.ModelArgs) (core.Pipeline, error) {
			return &keywordPipeline{keywords: keywords}, nil
		},
	}
}

const classifierArgs = `{"task":"text-classification","model_name":"org/classifier","input_column":"text","target":"sentiment","labels_map":{"LABEL_0":"negative","LABEL_1":"positive"}}`

// createModel seeds a prepared model: artifacts in the object store and a
// READY record in the database, the state a model is in after preparation.
func createModel(t *testing.T, store storage.ObjectStore, db *gorm.DB, modelBucket string) uuid.UUID {
	require.NoError(t, store.CreateBucket(context.Background(), modelBucket))

	modelId := uuid.New()
	err := store.PutObject(context.Background(), modelBucket, modelId.String()+"/config.json", strings.NewReader(`{"model_type":"distilbert"}`))
	require.NoError(t, err)

	model := database.Model{
		Id:           modelId,
		Name:         "test-model",
		Task:         "text-classification",
		HubModelName: "org/classifier",
		Backend:      string(core.PythonBackend),
		Target:       "sentiment",
		Status:       database.ModelReady,
		Args:         datatypes.JSON(classifierArgs),
		CreationTime: time.Now().UTC(),
		Tags:         []database.ModelTag{{ModelId: modelId, Tag: "pytorch"}, {ModelId: modelId, Tag: "text-classification"}},
	}

	require.NoError(t, db.Create(&model).Error)

	return modelId
}

// setupFakeHub serves hub metadata and snapshot downloads for one model so
// the full create and prepare path runs without network access.
func setupFakeHub(t *testing.T, repo string, files map[string][]byte) *httptest.Server {
	info := hub.ModelInfo{
		Id:          repo,
		PipelineTag: "text-classification",
		Tags:        []string{"pytorch", "text-classification"},
	}
	for name := range files {
		info.Siblings = append(info.Siblings, hub.Sibling{Rfilename: name})
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/models/") {
			if strings.TrimPrefix(r.URL.Path, "/api/models/") != repo {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(info) //nolint:errcheck
			return
		}

		name, ok := strings.CutPrefix(r.URL.Path, "/"+repo+"/resolve/main/")
		if !ok {
			http.NotFound(w, r)
			return
		}
		content, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(content) //nolint:errcheck
	}))
	t.Cleanup(server.Close)

	return server
}

func createDB(t *testing.T) *gorm.DB {
	uri := setupPostgresContainer(t, context.Background())
	db, err := database.NewDatabase(uri)
	require.NoError(t, err)

	return db
}

const (
	minioUsername = "admin"
	minioPassword = "password"
)

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		err := postgresContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	connStr, err := postgresContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) (*messaging.RabbitMQPublisher, *messaging.RabbitMQReceiver) {
	rabbitmqContainer, err := rabbitmq.Run(ctx, "rabbitmq:3.11-management")
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		err := rabbitmqContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate RabbitMQ container")
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	publisher, err := messaging.NewRabbitMQPublisher(connStr)
	require.NoError(t, err)
	t.Cleanup(publisher.Close)

	receiver, err := messaging.NewRabbitMQReceiver(connStr)
	require.NoError(t, err)

	return publisher, receiver
}

func httpRequest(api http.Handler, method, endpoint string, payload any, dest any) error {
	var body io.Reader
	if payload != nil {
		requestBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBody)
	}

	req := httptest.NewRequest(method, endpoint, body)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		return fmt.Errorf("expected status code 200, got %d: %v", rr.Code, rr.Body.String())
	}

	if dest != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), dest); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
