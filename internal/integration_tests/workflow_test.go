package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	backend "nlp-backend/internal/api"
	"nlp-backend/internal/core"
	"nlp-backend/internal/database"
	"nlp-backend/internal/hub"
	"nlp-backend/internal/storage"
	"nlp-backend/pkg/api"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dataBucket = "test-data"
)

func createData(t *testing.T, store storage.ObjectStore) {
	require.NoError(t, store.CreateBucket(context.Background(), dataBucket))

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("reviews-%d.txt", i)
		data := fmt.Sprintf("this is a great product, review %d\nterrible experience, review %d\n", i, i)

		require.NoError(t, store.PutObject(context.Background(), dataBucket, name, strings.NewReader(data)))
	}

	csvData := "id,text\n1,good value for the price\n2,broke after a week\n"
	require.NoError(t, store.PutObject(context.Background(), dataBucket, "batch.csv", strings.NewReader(csvData)))

	jsonlData := `{"text":"good packaging"}` + "\n" + `{"text":"arrived damaged"}` + "\n"
	require.NoError(t, store.PutObject(context.Background(), dataBucket, "batch.jsonl", strings.NewReader(jsonlData)))
}

func waitForModel(t *testing.T, router http.Handler, modelId uuid.UUID) api.Model {
	for i := 0; i < 20; i++ {
		time.Sleep(500 * time.Millisecond)

		var model api.Model
		err := httpRequest(router, "GET", fmt.Sprintf("/models/%s", modelId), nil, &model)
		require.NoError(t, err)

		if model.Status == database.ModelReady || model.Status == database.ModelFailed {
			return model
		}
	}

	t.Fatal("timeout reached before model was prepared")
	return api.Model{}
}

func waitForJob(t *testing.T, router http.Handler, jobId uuid.UUID) api.Job {
	for i := 0; i < 20; i++ {
		time.Sleep(500 * time.Millisecond)

		var job api.Job
		err := httpRequest(router, "GET", fmt.Sprintf("/jobs/%s", jobId), nil, &job)
		require.NoError(t, err)

		if job.Status == database.JobCompleted || job.Status == database.JobFailed {
			return job
		}
	}

	t.Fatal("timeout reached before prediction job finished")
	return api.Job{}
}

func getJobRows(t *testing.T, router http.Handler, jobId uuid.UUID) []api.JobRow {
	var rows []api.JobRow
	err := httpRequest(router, "GET", fmt.Sprintf("/jobs/%s/rows", jobId), nil, &rows)
	require.NoError(t, err)
	return rows
}

func createUpload(t *testing.T, router http.Handler) uuid.UUID {
	buf := new(bytes.Buffer)
	writer := multipart.NewWriter(buf)

	f1, err := writer.CreateFormFile("files", "file1.txt")
	require.NoError(t, err)
	_, err = f1.Write([]byte("this is a great product review"))
	require.NoError(t, err)

	f2, err := writer.CreateFormFile("files", "file2.txt")
	require.NoError(t, err)
	_, err = f2.Write([]byte("this was an awful experience"))
	require.NoError(t, err)

	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads", buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var res api.UploadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))

	return res.Id
}

func TestPredictionWorkflowOnBucket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	minioUrl := setupMinioContainer(t, ctx)

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        minioUrl,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(ctx, modelBucket))

	// The job's s3 source carries no credentials, so the worker's connector
	// resolves them, and the minio endpoint, from the environment.
	t.Setenv("AWS_ACCESS_KEY_ID", minioUsername)
	t.Setenv("AWS_SECRET_ACCESS_KEY", minioPassword)
	t.Setenv("AWS_ENDPOINT_URL", minioUrl)
	t.Setenv("AWS_REGION", "us-east-1")

	db := createDB(t)

	publisher, receiver := setupRabbitMQContainer(t, ctx)

	hubServer := setupFakeHub(t, "org/classifier", map[string][]byte{
		"config.json":       []byte(`{"model_type":"distilbert","max_position_embeddings":512,"id2label":{"0":"LABEL_0","1":"LABEL_1"}}`),
		"pytorch_model.bin": []byte("weights"),
	})
	hubClient := hub.NewClient(hubServer.URL, "")

	registry, err := core.LoadTaskRegistry()
	require.NoError(t, err)

	loaders := keywordLoaders("great", "good")

	pipelines := core.NewPipelineCache(store, loaders, t.TempDir(), modelBucket, 4)
	t.Cleanup(pipelines.Close)

	service := backend.NewBackendService(db, store, publisher, hubClient, registry, pipelines, modelBucket, uploadBucket)
	router := chi.NewRouter()
	service.AddRoutes(router)

	worker := core.NewTaskProcessor(db, store, receiver, hubClient, t.TempDir(), modelBucket, core.RemoteConfig{}, loaders)

	go worker.Start()
	defer worker.Stop()

	var created api.CreateModelResponse
	require.NoError(t, httpRequest(router, "POST", "/models", api.CreateModelRequest{
		Name:   "reviews",
		Target: "sentiment",
		Args: map[string]any{
			"model_name":   "org/classifier",
			"input_column": "text",
			"labels":       []string{"negative", "positive"},
		},
	}, &created))

	model := waitForModel(t, router, created.ModelId)
	require.Equal(t, database.ModelReady, model.Status, "model error: %s", model.Error)
	assert.Equal(t, string(core.PythonBackend), model.Backend)
	assert.Equal(t, float64(512), model.Args["max_length"])

	labelsMap, ok := model.Args["labels_map"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "negative", labelsMap["LABEL_0"])
	assert.Equal(t, "positive", labelsMap["LABEL_1"])

	createData(t, store)

	var job api.CreateJobResponse
	require.NoError(t, httpRequest(router, "POST", "/jobs", api.CreateJobRequest{
		ModelId:        created.ModelId,
		Name:           "nightly_reviews",
		SourceS3Bucket: dataBucket,
	}, &job))

	finished := waitForJob(t, router, job.JobId)
	require.Equal(t, database.JobCompleted, finished.Status, "job errors: %v", finished.Errors)
	assert.Equal(t, created.ModelId, finished.Model.Id)
	assert.Equal(t, 7, finished.TotalFileCount)
	assert.Equal(t, 7, finished.SucceededFileCount)
	assert.Equal(t, 0, finished.FailedFileCount)
	assert.Equal(t, 14, finished.RowsProcessed)
	assert.Equal(t, 0, finished.RowsFailed)

	rows := getJobRows(t, router, job.JobId)
	require.Len(t, rows, 14)

	counts := map[string]int{}
	for _, row := range rows {
		require.Empty(t, row.Error)
		sentiment, _ := row.Output["sentiment"].(string)
		counts[sentiment]++
	}
	assert.Equal(t, map[string]int{"positive": 7, "negative": 7}, counts)
}

func TestPredictionWorkflowOnUpload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	minioUrl := setupMinioContainer(t, ctx)

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        minioUrl,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(ctx, uploadBucket))

	db := createDB(t)

	publisher, receiver := setupRabbitMQContainer(t, ctx)

	registry, err := core.LoadTaskRegistry()
	require.NoError(t, err)

	loaders := keywordLoaders("great", "good")

	pipelines := core.NewPipelineCache(store, loaders, t.TempDir(), modelBucket, 4)
	t.Cleanup(pipelines.Close)

	service := backend.NewBackendService(db, store, publisher, hub.NewClient("", ""), registry, pipelines, modelBucket, uploadBucket)
	router := chi.NewRouter()
	service.AddRoutes(router)

	worker := core.NewTaskProcessor(db, store, receiver, hub.NewClient("", ""), t.TempDir(), modelBucket, core.RemoteConfig{}, loaders)

	go worker.Start()
	defer worker.Stop()

	modelId := createModel(t, store, db, modelBucket)

	uploadId := createUpload(t, router)

	var job api.CreateJobResponse
	require.NoError(t, httpRequest(router, "POST", "/jobs", api.CreateJobRequest{
		ModelId:       modelId,
		Name:          "upload_reviews",
		UploadId:      uploadId,
		PredictParams: map[string]any{"batch_size": 8},
	}, &job))

	finished := waitForJob(t, router, job.JobId)
	require.Equal(t, database.JobCompleted, finished.Status, "job errors: %v", finished.Errors)
	assert.Equal(t, 2, finished.TotalFileCount)
	assert.Equal(t, 2, finished.SucceededFileCount)
	assert.Equal(t, 2, finished.RowsProcessed)

	rows := getJobRows(t, router, job.JobId)
	require.Len(t, rows, 2)

	bySentiment := map[string]string{}
	for _, row := range rows {
		require.Empty(t, row.Error)
		sentiment, _ := row.Output["sentiment"].(string)
		bySentiment[row.Object] = sentiment
	}
	assert.Equal(t, "positive", bySentiment[uploadId.String()+"/file1.txt"])
	assert.Equal(t, "negative", bySentiment[uploadId.String()+"/file2.txt"])

	// Sync predictions load the same artifacts from the object store.
	var frame api.Frame
	require.NoError(t, httpRequest(router, "POST", fmt.Sprintf("/models/%s/predict", modelId), api.PredictRequest{
		Rows: []map[string]any{{"text": "a great buy"}, {"text": "total waste of money"}},
	}, &frame))

	require.Len(t, frame.Rows, 2)
	assert.Equal(t, "positive", frame.Rows[0]["sentiment"])
	assert.Equal(t, "negative", frame.Rows[1]["sentiment"])
}
