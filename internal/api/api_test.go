package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	backend "nlp-backend/internal/api"
	"nlp-backend/internal/core"
	"nlp-backend/internal/database"
	"nlp-backend/internal/hub"
	"nlp-backend/internal/messaging"
	"nlp-backend/internal/storage"
	"nlp-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type fakePipeline struct {
	results map[string][]map[string]any
	err     error
}

func (p *fakePipeline) Run(ctx context.Context, texts []string, args *core.ModelArgs) ([][]map[string]any, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := make([][]map[string]any, len(texts))
	for i, text := range texts {
		out[i] = p.results[text]
	}
	return out, nil
}

func (p *fakePipeline) Release() {}

func fakeHub(t *testing.T, models map[string]hub.ModelInfo) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		repo := strings.TrimPrefix(r.URL.Path, "/api/models/")
		info, ok := models[repo]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info) //nolint:errcheck
	}))
	t.Cleanup(server.Close)
	return server
}

func classifierInfo(repo string) hub.ModelInfo {
	return hub.ModelInfo{
		Id:          repo,
		PipelineTag: "text-classification",
		Tags:        []string{"pytorch", "text-classification", "en"},
		Siblings:    []hub.Sibling{{Rfilename: "config.json"}, {Rfilename: "pytorch_model.bin"}},
	}
}

type testEnv struct {
	db       *gorm.DB
	router   *chi.Mux
	queue    *messaging.InMemoryQueue
	store    *storage.LocalObjectStore
	modelDir string
}

func newTestService(t *testing.T, hubURL string, pipeline core.Pipeline, create ...any) testEnv {
	db := createDB(t, create...)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	registry, err := core.LoadTaskRegistry()
	require.NoError(t, err)

	loaders := map[core.Backend]core.PipelineLoader{
		core.PythonBackend: func(modelDir string, args *core.ModelArgs) (core.Pipeline, error) {
			return pipeline, nil
		},
	}

	modelDir := t.TempDir()
	pipelines := core.NewPipelineCache(store, loaders, modelDir, "models", 8)
	t.Cleanup(pipelines.Close)

	queue := messaging.NewInMemoryQueue()
	service := backend.NewBackendService(db, store, queue, hub.NewClient(hubURL, ""), registry, pipelines, "models", "uploads")

	router := chi.NewRouter()
	service.AddRoutes(router)

	return testEnv{db: db, router: router, queue: queue, store: store, modelDir: modelDir}
}

func (env testEnv) request(t *testing.T, method, url string, payload any) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, url, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)
	return rec
}

func parseResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var response T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	return response
}

// cacheModelDir marks a model as already present on local disk so predict
// tests skip the object store download.
func cacheModelDir(t *testing.T, env testEnv, modelId uuid.UUID) {
	require.NoError(t, os.MkdirAll(filepath.Join(env.modelDir, modelId.String()), 0o755))
}

const classifierArgs = `{"task":"text-classification","model_name":"org/classifier","input_column":"text","target":"sentiment","labels_map":{"LABEL_0":"negative","LABEL_1":"positive"}}`

func TestListTasks(t *testing.T) {
	env := newTestService(t, "", nil)

	rec := env.request(t, http.MethodGet, "/tasks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	tasks := parseResponse[[]api.TaskSchema](t, rec)
	assert.Len(t, tasks, 6)

	byName := make(map[string]api.TaskSchema)
	for _, task := range tasks {
		byName[task.Task] = task
	}

	translation, ok := byName["translation"]
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"task", "model_name", "input_column", "lang_input", "lang_output"}, translation.RequiredArgs)

	zeroShot, ok := byName["zero-shot-classification"]
	require.True(t, ok)
	assert.Contains(t, zeroShot.RequiredArgs, "candidate_labels")
}

func TestCreateModel(t *testing.T) {
	server := fakeHub(t, map[string]hub.ModelInfo{"org/classifier": classifierInfo("org/classifier")})
	env := newTestService(t, server.URL, nil)

	var created api.CreateModelResponse
	t.Run("Create", func(t *testing.T) {
		payload := api.CreateModelRequest{
			Name:   "reviews",
			Target: "sentiment",
			Args:   map[string]any{"model_name": "org/classifier", "input_column": "text"},
		}

		rec := env.request(t, http.MethodPost, "/models", payload)
		assert.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

		created = parseResponse[api.CreateModelResponse](t, rec)
		assert.NotEqual(t, uuid.Nil, created.ModelId)

		select {
		case task := <-env.queue.Tasks():
			assert.Equal(t, messaging.PrepareModelQueue, task.Type())
		default:
			t.Fatal("expected a prepare model task to be queued")
		}
	})

	t.Run("GetCreatedModel", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/models/"+created.ModelId.String(), nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		model := parseResponse[api.Model](t, rec)
		assert.Equal(t, created.ModelId, model.Id)
		assert.Equal(t, "reviews", model.Name)
		assert.Equal(t, "text-classification", model.Task)
		assert.Equal(t, "org/classifier", model.HubModelName)
		assert.Equal(t, "sentiment", model.Target)
		assert.Equal(t, database.ModelQueued, model.Status)
		assert.Contains(t, model.Tags, "pytorch")
		assert.Equal(t, "text", model.Args["input_column"])
	})

	t.Run("DuplicateName", func(t *testing.T) {
		payload := api.CreateModelRequest{
			Name:   "reviews",
			Target: "sentiment",
			Args:   map[string]any{"model_name": "org/classifier", "input_column": "text"},
		}

		rec := env.request(t, http.MethodPost, "/models", payload)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "already exists")
	})
}

func TestCreateModelValidation(t *testing.T) {
	server := fakeHub(t, map[string]hub.ModelInfo{
		"org/classifier": classifierInfo("org/classifier"),
		"org/tensorflow-only": {
			Id:          "org/tensorflow-only",
			PipelineTag: "text-classification",
			Tags:        []string{"tf", "text-classification"},
		},
		"org/detector": {
			Id:          "org/detector",
			PipelineTag: "object-detection",
			Tags:        []string{"pytorch", "object-detection"},
		},
		"org/nli": {
			Id:          "org/nli",
			PipelineTag: "zero-shot-classification",
			Tags:        []string{"pytorch", "zero-shot-classification"},
		},
		"org/translator": {
			Id:          "org/translator",
			PipelineTag: "translation",
			Tags:        []string{"pytorch", "translation"},
		},
	})
	env := newTestService(t, server.URL, nil)

	tests := []struct {
		name      string
		payload   api.CreateModelRequest
		wantCode  int
		wantError string
	}{
		{
			name:      "MissingTarget",
			payload:   api.CreateModelRequest{Name: "m1", Args: map[string]any{"model_name": "org/classifier", "input_column": "text"}},
			wantCode:  http.StatusBadRequest,
			wantError: `parameter "target" is required`,
		},
		{
			name:      "InvalidName",
			payload:   api.CreateModelRequest{Name: "bad name!", Target: "out", Args: map[string]any{"model_name": "org/classifier", "input_column": "text"}},
			wantCode:  http.StatusBadRequest,
			wantError: "invalid name",
		},
		{
			name:      "MissingModelName",
			payload:   api.CreateModelRequest{Name: "m1", Target: "out", Args: map[string]any{"input_column": "text"}},
			wantCode:  http.StatusBadRequest,
			wantError: `parameter "model_name" is required`,
		},
		{
			name:      "UnknownHubModel",
			payload:   api.CreateModelRequest{Name: "m1", Target: "out", Args: map[string]any{"model_name": "org/missing", "input_column": "text"}},
			wantCode:  http.StatusNotFound,
			wantError: "was not found on the hub",
		},
		{
			name:      "NotPytorch",
			payload:   api.CreateModelRequest{Name: "m1", Target: "out", Args: map[string]any{"model_name": "org/tensorflow-only", "input_column": "text"}},
			wantCode:  http.StatusBadRequest,
			wantError: "currently only pytorch models are supported",
		},
		{
			name:      "UnsupportedTask",
			payload:   api.CreateModelRequest{Name: "m1", Target: "out", Args: map[string]any{"model_name": "org/detector", "input_column": "text"}},
			wantCode:  http.StatusBadRequest,
			wantError: "not supported task for model: object-detection",
		},
		{
			name:      "TaskMismatch",
			payload:   api.CreateModelRequest{Name: "m1", Target: "out", Args: map[string]any{"model_name": "org/classifier", "input_column": "text", "task": "summarization"}},
			wantCode:  http.StatusBadRequest,
			wantError: "task mismatch for model: summarization != text-classification",
		},
		{
			name:      "MissingInputColumn",
			payload:   api.CreateModelRequest{Name: "m1", Target: "out", Args: map[string]any{"model_name": "org/classifier"}},
			wantCode:  http.StatusBadRequest,
			wantError: `parameter "input_column" is required`,
		},
		{
			name:      "MissingCandidateLabels",
			payload:   api.CreateModelRequest{Name: "m1", Target: "out", Args: map[string]any{"model_name": "org/nli", "input_column": "text"}},
			wantCode:  http.StatusBadRequest,
			wantError: `parameter "candidate_labels" is required for zero-shot-classification`,
		},
		{
			name:      "MissingLangOutput",
			payload:   api.CreateModelRequest{Name: "m1", Target: "out", Args: map[string]any{"model_name": "org/translator", "input_column": "text", "lang_input": "en"}},
			wantCode:  http.StatusBadRequest,
			wantError: `parameter "lang_output" is required for translation`,
		},
		{
			name:      "UnexpectedParameter",
			payload:   api.CreateModelRequest{Name: "m1", Target: "out", Args: map[string]any{"model_name": "org/classifier", "input_column": "text", "banana": 1}},
			wantCode:  http.StatusBadRequest,
			wantError: "not expected parameters: banana",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(t, http.MethodPost, "/models", tt.payload)
			assert.Equal(t, tt.wantCode, rec.Code, "recieved response: "+rec.Body.String())
			assert.Contains(t, rec.Body.String(), tt.wantError)
		})
	}
}

func TestListModels(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	env := newTestService(t, "", nil,
		&database.Model{Id: id1, Name: "reviews", Task: "text-classification", HubModelName: "org/classifier", Backend: "python", Target: "sentiment", Status: database.ModelReady, CreationTime: time.Now()},
		&database.Model{Id: id2, Name: "translator", Task: "translation", HubModelName: "org/translator", Backend: "python", Target: "translated", Status: database.ModelQueued, CreationTime: time.Now()},
	)

	rec := env.request(t, http.MethodGet, "/models", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	models := parseResponse[[]api.Model](t, rec)
	require.Len(t, models, 2)

	ids := []uuid.UUID{models[0].Id, models[1].Id}
	assert.ElementsMatch(t, []uuid.UUID{id1, id2}, ids)
}

func TestGetModelNotFound(t *testing.T) {
	env := newTestService(t, "", nil)

	rec := env.request(t, http.MethodGet, "/models/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "model not found")
}

func TestPredict(t *testing.T) {
	modelId := uuid.New()
	pipeline := &fakePipeline{results: map[string][]map[string]any{
		"great stuff": {{"label": "LABEL_1", "score": 0.75}, {"label": "LABEL_0", "score": 0.25}},
		"awful":       {{"label": "LABEL_0", "score": 0.5}, {"label": "LABEL_1", "score": 0.5}},
	}}

	env := newTestService(t, "", pipeline,
		&database.Model{
			Id:           modelId,
			Name:         "reviews",
			Task:         "text-classification",
			HubModelName: "org/classifier",
			Backend:      "python",
			Target:       "sentiment",
			Status:       database.ModelReady,
			Args:         datatypes.JSON(classifierArgs),
			CreationTime: time.Now(),
		},
	)
	cacheModelDir(t, env, modelId)

	t.Run("Predict", func(t *testing.T) {
		payload := api.PredictRequest{Rows: []map[string]any{{"text": "great stuff"}, {"text": "awful"}}}

		rec := env.request(t, http.MethodPost, "/models/"+modelId.String()+"/predict", payload)
		assert.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

		frame := parseResponse[api.Frame](t, rec)
		assert.Equal(t, []string{"sentiment", "sentiment_explain"}, frame.Columns)
		require.Len(t, frame.Rows, 2)
		assert.Equal(t, "positive", frame.Rows[0]["sentiment"])
		assert.Equal(t, map[string]any{"positive": 0.75, "negative": 0.25}, frame.Rows[0]["sentiment_explain"])
		assert.Equal(t, "negative", frame.Rows[1]["sentiment"])
	})

	t.Run("RowErrorIsolation", func(t *testing.T) {
		payload := api.PredictRequest{Rows: []map[string]any{{"text": "great stuff"}, {"text": "never seen"}}}

		rec := env.request(t, http.MethodPost, "/models/"+modelId.String()+"/predict", payload)
		assert.Equal(t, http.StatusOK, rec.Code)

		frame := parseResponse[api.Frame](t, rec)
		assert.Contains(t, frame.Columns, "error")
		require.Len(t, frame.Rows, 2)
		assert.Equal(t, "positive", frame.Rows[0]["sentiment"])
		assert.Equal(t, "empty pipeline result", frame.Rows[1]["error"])
		assert.NotContains(t, frame.Rows[0], "error")
	})

	t.Run("MissingColumn", func(t *testing.T) {
		payload := api.PredictRequest{Rows: []map[string]any{{"body": "great stuff"}}}

		rec := env.request(t, http.MethodPost, "/models/"+modelId.String()+"/predict", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), `column "text" not found in input data`)
	})

	t.Run("EmptyRows", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/models/"+modelId.String()+"/predict", api.PredictRequest{})
		assert.Equal(t, http.StatusOK, rec.Code)

		frame := parseResponse[api.Frame](t, rec)
		assert.Empty(t, frame.Rows)
	})

	t.Run("OverrideInputColumn", func(t *testing.T) {
		payload := api.PredictRequest{
			Rows:          []map[string]any{{"body": "awful"}},
			PredictParams: map[string]any{"input_column": "body"},
		}

		rec := env.request(t, http.MethodPost, "/models/"+modelId.String()+"/predict", payload)
		assert.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

		frame := parseResponse[api.Frame](t, rec)
		require.Len(t, frame.Rows, 1)
		assert.Equal(t, "negative", frame.Rows[0]["sentiment"])
	})
}

func TestPredictBatchError(t *testing.T) {
	modelId := uuid.New()
	pipeline := &fakePipeline{err: fmt.Errorf("engine exploded")}

	env := newTestService(t, "", pipeline,
		&database.Model{
			Id:           modelId,
			Name:         "reviews",
			Task:         "text-classification",
			HubModelName: "org/classifier",
			Backend:      "python",
			Target:       "sentiment",
			Status:       database.ModelReady,
			Args:         datatypes.JSON(classifierArgs),
			CreationTime: time.Now(),
		},
	)
	cacheModelDir(t, env, modelId)

	payload := api.PredictRequest{
		Rows:          []map[string]any{{"text": "a"}, {"text": "b"}, {"text": "c"}},
		PredictParams: map[string]any{"batch_size": 8},
	}

	rec := env.request(t, http.MethodPost, "/models/"+modelId.String()+"/predict", payload)
	assert.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

	frame := parseResponse[api.Frame](t, rec)
	assert.Equal(t, []string{"error"}, frame.Columns)
	require.Len(t, frame.Rows, 3)
	for _, row := range frame.Rows {
		assert.Equal(t, "engine exploded", row["error"])
	}
}

func TestPredictModelNotReady(t *testing.T) {
	modelId := uuid.New()
	env := newTestService(t, "", nil,
		&database.Model{
			Id:           modelId,
			Name:         "reviews",
			Task:         "text-classification",
			HubModelName: "org/classifier",
			Backend:      "python",
			Target:       "sentiment",
			Status:       database.ModelPreparing,
			Args:         datatypes.JSON(classifierArgs),
			CreationTime: time.Now(),
		},
	)

	payload := api.PredictRequest{Rows: []map[string]any{{"text": "great stuff"}}}

	rec := env.request(t, http.MethodPost, "/models/"+modelId.String()+"/predict", payload)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "model is not ready: model has status: PREPARING")
}

func TestDescribeModel(t *testing.T) {
	modelId := uuid.New()
	server := fakeHub(t, map[string]hub.ModelInfo{"org/classifier": classifierInfo("org/classifier")})

	env := newTestService(t, server.URL, nil,
		&database.Model{
			Id:           modelId,
			Name:         "reviews",
			Task:         "text-classification",
			HubModelName: "org/classifier",
			Backend:      "python",
			Target:       "sentiment",
			Status:       database.ModelReady,
			Args:         datatypes.JSON(classifierArgs),
			CreationTime: time.Now(),
		},
	)

	frameValue := func(frame api.Frame, key string) (any, bool) {
		for _, row := range frame.Rows {
			if row["key"] == key {
				return row["value"], true
			}
		}
		return nil, false
	}

	t.Run("Tables", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/models/"+modelId.String()+"/describe", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		frame := parseResponse[api.Frame](t, rec)
		assert.Equal(t, []string{"tables"}, frame.Columns)
		require.Len(t, frame.Rows, 2)
		assert.Equal(t, "args", frame.Rows[0]["tables"])
		assert.Equal(t, "metadata", frame.Rows[1]["tables"])
	})

	t.Run("Args", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/models/"+modelId.String()+"/describe?attribute=args", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		frame := parseResponse[api.Frame](t, rec)
		assert.Equal(t, []string{"key", "value"}, frame.Columns)

		task, ok := frameValue(frame, "task")
		require.True(t, ok)
		assert.Equal(t, "text-classification", task)

		column, ok := frameValue(frame, "input_column")
		require.True(t, ok)
		assert.Equal(t, "text", column)
	})

	t.Run("Metadata", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/models/"+modelId.String()+"/describe?attribute=metadata", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		frame := parseResponse[api.Frame](t, rec)
		assert.Equal(t, []string{"key", "value"}, frame.Columns)

		tag, ok := frameValue(frame, "pipeline_tag")
		require.True(t, ok)
		assert.Equal(t, "text-classification", tag)
	})
}

func TestDeleteModel(t *testing.T) {
	modelId, jobId := uuid.New(), uuid.New()
	env := newTestService(t, "", nil,
		&database.Model{
			Id:           modelId,
			Name:         "reviews",
			Task:         "text-classification",
			HubModelName: "org/classifier",
			Backend:      "python",
			Target:       "sentiment",
			Status:       database.ModelReady,
			CreationTime: time.Now(),
		},
		&database.PredictionJob{
			Id:            jobId,
			JobName:       "job_1",
			ModelId:       modelId,
			StorageType:   "local",
			StorageParams: datatypes.JSON(`{}`),
			Status:        database.JobQueued,
			CreationTime:  time.Now(),
		},
	)

	t.Run("BlockedByJob", func(t *testing.T) {
		rec := env.request(t, http.MethodDelete, "/models/"+modelId.String(), nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "prediction jobs")
	})

	t.Run("DeleteAfterJobRemoved", func(t *testing.T) {
		rec := env.request(t, http.MethodDelete, "/jobs/"+jobId.String(), nil)
		assert.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

		rec = env.request(t, http.MethodDelete, "/models/"+modelId.String(), nil)
		assert.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

		rec = env.request(t, http.MethodGet, "/models/"+modelId.String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUploadAndCreateJob(t *testing.T) {
	modelId := uuid.New()
	env := newTestService(t, "", nil,
		&database.Model{
			Id:           modelId,
			Name:         "reviews",
			Task:         "text-classification",
			HubModelName: "org/classifier",
			Backend:      "python",
			Target:       "sentiment",
			Status:       database.ModelReady,
			Args:         datatypes.JSON(classifierArgs),
			CreationTime: time.Now(),
		},
	)

	var uploadId uuid.UUID
	t.Run("Upload", func(t *testing.T) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		for name, content := range map[string]string{
			"reviews_1.csv": "text\ngreat stuff\nawful\n",
			"reviews_2.txt": "pretty good\n",
		} {
			part, err := writer.CreateFormFile("files", name)
			require.NoError(t, err)
			_, err = part.Write([]byte(content))
			require.NoError(t, err)
		}
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, "/uploads", &buf)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		rec := httptest.NewRecorder()

		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

		response := parseResponse[api.UploadResponse](t, rec)
		assert.NotEqual(t, uuid.Nil, response.Id)
		uploadId = response.Id

		objects, err := env.store.ListObjects(context.Background(), "uploads", uploadId.String())
		require.NoError(t, err)
		assert.Len(t, objects, 2)
	})

	var jobId uuid.UUID
	t.Run("CreateJob", func(t *testing.T) {
		payload := api.CreateJobRequest{
			ModelId:  modelId,
			Name:     "nightly_reviews",
			UploadId: uploadId,
		}

		rec := env.request(t, http.MethodPost, "/jobs", payload)
		assert.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

		response := parseResponse[api.CreateJobResponse](t, rec)
		assert.NotEqual(t, uuid.Nil, response.JobId)
		jobId = response.JobId

		select {
		case task := <-env.queue.Tasks():
			assert.Equal(t, messaging.PredictionJobQueue, task.Type())
		default:
			t.Fatal("expected a prediction job task to be queued")
		}
	})

	t.Run("GetJob", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/jobs/"+jobId.String(), nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		job := parseResponse[api.Job](t, rec)
		assert.Equal(t, jobId, job.Id)
		assert.Equal(t, "nightly_reviews", job.Name)
		assert.Equal(t, database.JobQueued, job.Status)
		assert.Equal(t, modelId, job.Model.Id)
	})

	t.Run("StopJob", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/jobs/"+jobId.String()+"/stop", nil)
		assert.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

		rec = env.request(t, http.MethodGet, "/jobs/"+jobId.String(), nil)
		job := parseResponse[api.Job](t, rec)
		assert.True(t, job.Stopped)
	})

	t.Run("DeleteJob", func(t *testing.T) {
		rec := env.request(t, http.MethodDelete, "/jobs/"+jobId.String(), nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = env.request(t, http.MethodGet, "/jobs/"+jobId.String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = env.request(t, http.MethodGet, "/jobs", nil)
		jobs := parseResponse[[]api.Job](t, rec)
		assert.Empty(t, jobs)
	})
}

func TestCreateJobValidation(t *testing.T) {
	readyId, queuedId := uuid.New(), uuid.New()
	env := newTestService(t, "", nil,
		&database.Model{Id: readyId, Name: "ready_model", Task: "text-classification", HubModelName: "org/classifier", Backend: "python", Target: "sentiment", Status: database.ModelReady, CreationTime: time.Now()},
		&database.Model{Id: queuedId, Name: "queued_model", Task: "text-classification", HubModelName: "org/classifier", Backend: "python", Target: "sentiment", Status: database.ModelQueued, CreationTime: time.Now()},
	)

	tests := []struct {
		name      string
		payload   api.CreateJobRequest
		wantCode  int
		wantError string
	}{
		{
			name:      "UnknownModel",
			payload:   api.CreateJobRequest{ModelId: uuid.New(), Name: "job_1", UploadId: uuid.New()},
			wantCode:  http.StatusNotFound,
			wantError: "model not found",
		},
		{
			name:      "ModelNotReady",
			payload:   api.CreateJobRequest{ModelId: queuedId, Name: "job_1", UploadId: uuid.New()},
			wantCode:  http.StatusUnprocessableEntity,
			wantError: "model is not ready",
		},
		{
			name:      "NoSource",
			payload:   api.CreateJobRequest{ModelId: readyId, Name: "job_1"},
			wantCode:  http.StatusBadRequest,
			wantError: "either an upload id or a source s3 bucket is required",
		},
		{
			name:      "BothSources",
			payload:   api.CreateJobRequest{ModelId: readyId, Name: "job_1", UploadId: uuid.New(), SourceS3Bucket: "bucket"},
			wantCode:  http.StatusBadRequest,
			wantError: "not both",
		},
		{
			name:      "InvalidName",
			payload:   api.CreateJobRequest{ModelId: readyId, Name: "bad name!", UploadId: uuid.New()},
			wantCode:  http.StatusBadRequest,
			wantError: "invalid name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(t, http.MethodPost, "/jobs", tt.payload)
			assert.Equal(t, tt.wantCode, rec.Code, "recieved response: "+rec.Body.String())
			assert.Contains(t, rec.Body.String(), tt.wantError)
		})
	}
}

func TestGetJobRows(t *testing.T) {
	modelId, jobId := uuid.New(), uuid.New()

	records := []any{
		&database.Model{Id: modelId, Name: "reviews", Task: "text-classification", HubModelName: "org/classifier", Backend: "python", Target: "sentiment", Status: database.ModelReady, CreationTime: time.Now()},
		&database.PredictionJob{
			Id:            jobId,
			JobName:       "job_1",
			ModelId:       modelId,
			StorageType:   "local",
			StorageParams: datatypes.JSON(`{}`),
			Status:        database.JobCompleted,
			CreationTime:  time.Now(),
		},
	}
	for i := 0; i < 5; i++ {
		records = append(records, &database.PredictionRow{
			JobId:    jobId,
			Object:   "reviews.csv",
			RowIndex: i,
			Output:   datatypes.JSON(fmt.Sprintf(`{"sentiment":"label_%d"}`, i)),
		})
	}
	records = append(records, &database.PredictionRow{
		JobId:    jobId,
		Object:   "reviews.csv",
		RowIndex: 5,
		Error:    "empty pipeline result",
	})

	env := newTestService(t, "", nil, records...)

	t.Run("AllRows", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/jobs/"+jobId.String()+"/rows", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rows := parseResponse[[]api.JobRow](t, rec)
		require.Len(t, rows, 6)
		assert.Equal(t, "label_0", rows[0].Output["sentiment"])
		assert.Equal(t, "empty pipeline result", rows[5].Error)
	})

	t.Run("Paged", func(t *testing.T) {
		var rows []api.JobRow

		for {
			url := fmt.Sprintf("/jobs/%s/rows?limit=2&offset=%d", jobId.String(), len(rows))
			rec := env.request(t, http.MethodGet, url, nil)
			assert.Equal(t, http.StatusOK, rec.Code)

			page := parseResponse[[]api.JobRow](t, rec)
			assert.GreaterOrEqual(t, 2, len(page))
			rows = append(rows, page...)

			if len(page) == 0 {
				break
			}
		}

		require.Len(t, rows, 6)
		for i, row := range rows {
			assert.Equal(t, i, row.RowIndex)
		}
	})

	t.Run("UnknownJob", func(t *testing.T) {
		rec := env.request(t, http.MethodGet, "/jobs/"+uuid.NewString()+"/rows", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
