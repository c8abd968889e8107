package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"nlp-backend/internal/core"
	"nlp-backend/internal/database"
	"nlp-backend/internal/hub"
	"nlp-backend/internal/messaging"
	"nlp-backend/internal/storage"
	"nlp-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const multipartFormMemory = 32 << 20

type BackendService struct {
	db        *gorm.DB
	store     storage.ObjectStore
	publisher messaging.Publisher
	hub       *hub.Client
	registry  *core.TaskRegistry
	pipelines *core.PipelineCache

	modelBucket  string
	uploadBucket string
}

func NewBackendService(db *gorm.DB, store storage.ObjectStore, publisher messaging.Publisher, hubClient *hub.Client, registry *core.TaskRegistry, pipelines *core.PipelineCache, modelBucket, uploadBucket string) *BackendService {
	return &BackendService{
		db:           db,
		store:        store,
		publisher:    publisher,
		hub:          hubClient,
		registry:     registry,
		pipelines:    pipelines,
		modelBucket:  modelBucket,
		uploadBucket: uploadBucket,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Get("/tasks", RestHandler(s.ListTasks))
	r.Route("/models", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateModel))
		r.Get("/", RestHandler(s.ListModels))
		r.Get("/{model_id}", RestHandler(s.GetModel))
		r.Delete("/{model_id}", RestHandler(s.DeleteModel))
		r.Post("/{model_id}/predict", RestHandler(s.Predict))
		r.Get("/{model_id}/describe", RestHandler(s.DescribeModel))
	})
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", RestHandler(s.UploadFiles))
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateJob))
		r.Get("/", RestHandler(s.ListJobs))
		r.Get("/{job_id}", RestHandler(s.GetJob))
		r.Post("/{job_id}/stop", RestHandler(s.StopJob))
		r.Delete("/{job_id}", RestHandler(s.DeleteJob))
		r.Get("/{job_id}/rows", RestHandler(s.GetJobRows))
	})
}

func (s *BackendService) ListTasks(r *http.Request) (any, error) {
	schemas := s.registry.Schemas()

	tasks := make([]api.TaskSchema, 0, len(schemas))
	for _, schema := range schemas {
		tasks = append(tasks, api.TaskSchema{
			Task:         schema.Name,
			RequiredArgs: schema.Required,
			OptionalArgs: schema.Optional,
		})
	}
	return tasks, nil
}

func (s *BackendService) CreateModel(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateModelRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "parameter %q is required", "target")
	}

	ctx := r.Context()

	args := core.UnwrapArgs(req.Args)
	hubModelName, err := core.ModelNameArg(args)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	info, err := s.hub.GetModelInfo(ctx, hubModelName)
	if err != nil {
		if errors.Is(err, hub.ErrModelNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "model %s was not found on the hub", hubModelName)
		}
		slog.Error("error fetching hub model info", "hub_model", hubModelName, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "error fetching hub metadata for model %s", hubModelName)
	}

	modelArgs, err := s.registry.ValidateCreateArgs(req.Target, args, info)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	var nameCount int64
	if err := s.db.WithContext(ctx).Model(&database.Model{}).Where("name = ?", req.Name).Count(&nameCount).Error; err != nil {
		slog.Error("error checking model name", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create model entry")
	}
	if nameCount > 0 {
		return nil, CodedErrorf(http.StatusConflict, "model with name '%s' already exists", req.Name)
	}

	argsJson, err := json.Marshal(modelArgs)
	if err != nil {
		slog.Error("error serializing model args", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create model entry")
	}

	fields, err := info.Fields()
	if err != nil {
		slog.Error("error serializing hub model info", "hub_model", hubModelName, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create model entry")
	}
	metadataJson, err := json.Marshal(fields)
	if err != nil {
		slog.Error("error serializing hub model info", "hub_model", hubModelName, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create model entry")
	}

	model := &database.Model{
		Id:           uuid.New(),
		Name:         req.Name,
		Task:         modelArgs.Task,
		HubModelName: modelArgs.ModelName,
		Target:       modelArgs.Target,
		Status:       database.ModelQueued,
		Args:         datatypes.JSON(argsJson),
		Metadata:     datatypes.JSON(metadataJson),
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.Error("error creating model", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create model entry")
	}

	if err := database.SetModelTags(ctx, s.db, model.Id, info.Tags); err != nil {
		slog.Error("error saving model tags", "model_id", model.Id, "error", err)
	}

	if err := s.publisher.PublishPrepareModelTask(ctx, messaging.PrepareModelPayload{ModelId: model.Id}); err != nil {
		slog.Error("error publishing prepare model task", "model_id", model.Id, "error", err)
		database.SetModelError(ctx, s.db, model.Id, "failed to queue model preparation task") //nolint:errcheck
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue model preparation task")
	}

	slog.Info("submitted model for preparation", "model_id", model.Id, "hub_model", hubModelName, "task", modelArgs.Task)
	return api.CreateModelResponse{ModelId: model.Id}, nil
}

func (s *BackendService) ListModels(r *http.Request) (any, error) {
	ctx := r.Context()

	var models []database.Model
	if err := s.db.WithContext(ctx).Preload("Tags").Order("creation_time asc").Find(&models).Error; err != nil {
		slog.Error("error listing models", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving model records")
	}

	return convertModels(models), nil
}

func (s *BackendService) GetModel(r *http.Request) (any, error) {
	modelId, err := URLParamUUID(r, "model_id")
	if err != nil {
		return nil, err
	}

	model, err := s.getModel(r.Context(), modelId)
	if err != nil {
		return nil, err
	}

	return convertModel(model), nil
}

func (s *BackendService) DeleteModel(r *http.Request) (any, error) {
	modelId, err := URLParamUUID(r, "model_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	if _, err := s.getModel(ctx, modelId); err != nil {
		return nil, err
	}

	var jobCount int64
	if err := s.db.WithContext(ctx).Model(&database.PredictionJob{}).Where("model_id = ? AND deleted = ?", modelId, false).Count(&jobCount).Error; err != nil {
		slog.Error("error counting model jobs", "model_id", modelId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting model")
	}
	if jobCount > 0 {
		return nil, CodedErrorf(http.StatusConflict, "model has %d prediction jobs, delete those first", jobCount)
	}

	if err := s.db.WithContext(ctx).Select("Tags").Delete(&database.Model{Id: modelId}).Error; err != nil {
		slog.Error("error deleting model", "model_id", modelId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting model")
	}

	s.pipelines.Evict(modelId)

	if err := s.store.DeleteObjects(ctx, s.modelBucket, modelId.String()); err != nil {
		slog.Error("error deleting model artifacts", "model_id", modelId, "error", err)
	}

	slog.Info("deleted model", "model_id", modelId)
	return nil, nil
}

func (s *BackendService) Predict(r *http.Request) (any, error) {
	modelId, err := URLParamUUID(r, "model_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.PredictRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	model, err := s.getModel(ctx, modelId)
	if err != nil {
		return nil, err
	}
	if model.Status != database.ModelReady {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "model is not ready: model has status: %s", model.Status)
	}

	args, err := storedModelArgs(&model)
	if err != nil {
		slog.Error("error parsing stored model args", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "stored model args are not readable")
	}

	if len(req.PredictParams) > 0 {
		args, err = args.WithOverrides(req.PredictParams)
		if err != nil {
			return nil, CodedError(http.StatusBadRequest, err)
		}
	}

	pipeline, release, err := s.pipelines.Acquire(ctx, model.Id, model.Backend, args)
	if err != nil {
		slog.Error("error loading model for inference", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error loading model for inference")
	}
	defer release()

	frame, err := core.Predict(ctx, pipeline, args, req.Rows)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	return frame, nil
}

type describeParams struct {
	Attribute string `schema:"attribute"`
}

func (s *BackendService) DescribeModel(r *http.Request) (any, error) {
	modelId, err := URLParamUUID(r, "model_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[describeParams](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	model, err := s.getModel(ctx, modelId)
	if err != nil {
		return nil, err
	}

	switch params.Attribute {
	case "args":
		doc, err := jsonDocument(model.Args)
		if err != nil {
			slog.Error("error parsing stored model args", "model_id", model.Id, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "stored model args are not readable")
		}
		return keyValueFrame(doc), nil

	case "metadata":
		info, err := s.hub.GetModelInfo(ctx, model.HubModelName)
		if err != nil {
			slog.Error("error fetching hub model info", "hub_model", model.HubModelName, "error", err)
			return nil, CodedErrorf(http.StatusBadGateway, "error fetching hub metadata for model %s", model.HubModelName)
		}
		fields, err := info.Fields()
		if err != nil {
			slog.Error("error serializing hub model info", "hub_model", model.HubModelName, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error serializing hub metadata")
		}
		return keyValueFrame(fields), nil

	default:
		return tablesFrame([]string{"args", "metadata"}), nil
	}
}

func (s *BackendService) UploadFiles(r *http.Request) (any, error) {
	if err := r.ParseMultipartForm(multipartFormMemory); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form")
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "no files provided")
	}

	ctx := r.Context()
	uploadId := uuid.New()

	for _, header := range files {
		name := filepath.Base(header.Filename)
		if name == "" || name == "." || name == string(filepath.Separator) {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid file name '%s'", header.Filename)
		}

		file, err := header.Open()
		if err != nil {
			slog.Error("error opening uploaded file", "filename", header.Filename, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error reading uploaded file %s", name)
		}

		err = s.store.PutObject(ctx, s.uploadBucket, fmt.Sprintf("%s/%s", uploadId, name), file)
		file.Close() //nolint:errcheck
		if err != nil {
			slog.Error("error storing uploaded file", "upload_id", uploadId, "filename", name, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error storing uploaded file %s", name)
		}
	}

	slog.Info("stored upload", "upload_id", uploadId, "files", len(files))
	return api.UploadResponse{Id: uploadId}, nil
}

func (s *BackendService) CreateJob(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateJobRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	ctx := r.Context()

	model, err := s.getModel(ctx, req.ModelId)
	if err != nil {
		return nil, err
	}
	if model.Status != database.ModelReady {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "model is not ready: model has status: %s", model.Status)
	}

	storageType, storageParams, err := s.jobStorageParams(&req)
	if err != nil {
		return nil, err
	}

	var predictParams datatypes.JSON
	if len(req.PredictParams) > 0 {
		data, err := json.Marshal(req.PredictParams)
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "unable to serialize predict params")
		}
		predictParams = datatypes.JSON(data)
	}

	job := &database.PredictionJob{
		Id:            uuid.New(),
		JobName:       req.Name,
		ModelId:       model.Id,
		StorageType:   storageType,
		StorageParams: datatypes.JSON(storageParams),
		PredictParams: predictParams,
		Status:        database.JobQueued,
		CreationTime:  time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		slog.Error("error creating prediction job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create prediction job entry")
	}

	if err := s.publisher.PublishPredictionJobTask(ctx, messaging.PredictionJobPayload{JobId: job.Id}); err != nil {
		slog.Error("error publishing prediction job task", "job_id", job.Id, "error", err)
		database.SaveJobError(ctx, s.db, job.Id, "failed to queue prediction job task")
		database.UpdateJobStatus(ctx, s.db, job.Id, database.JobFailed) //nolint:errcheck
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue prediction job task")
	}

	slog.Info("submitted prediction job", "job_id", job.Id, "model_id", model.Id)
	return api.CreateJobResponse{JobId: job.Id}, nil
}

func (s *BackendService) jobStorageParams(req *api.CreateJobRequest) (string, []byte, error) {
	switch {
	case req.UploadId != uuid.Nil && req.SourceS3Bucket != "":
		return "", nil, CodedErrorf(http.StatusBadRequest, "provide either an upload id or an s3 location, not both")

	case req.UploadId != uuid.Nil:
		connectorType, params, err := s.store.UploadConnectorParams(s.uploadBucket, req.UploadId)
		if err != nil {
			slog.Error("error building upload connector params", "upload_id", req.UploadId, "error", err)
			return "", nil, CodedErrorf(http.StatusInternalServerError, "error resolving upload location")
		}
		return string(connectorType), params, nil

	case req.SourceS3Bucket != "":
		params, err := json.Marshal(storage.S3ConnectorParams{
			Bucket: req.SourceS3Bucket,
			Prefix: req.SourceS3Prefix,
		})
		if err != nil {
			return "", nil, CodedErrorf(http.StatusInternalServerError, "error serializing storage params")
		}
		return string(storage.S3ConnectorType), params, nil

	default:
		return "", nil, CodedErrorf(http.StatusBadRequest, "either an upload id or a source s3 bucket is required")
	}
}

func (s *BackendService) ListJobs(r *http.Request) (any, error) {
	ctx := r.Context()

	var jobs []database.PredictionJob
	if err := s.db.WithContext(ctx).Preload("Model").Where("deleted = ?", false).Order("creation_time asc").Find(&jobs).Error; err != nil {
		slog.Error("error listing prediction jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving prediction job records")
	}

	return convertJobs(jobs), nil
}

func (s *BackendService) GetJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	job, err := s.getJob(r.Context(), jobId)
	if err != nil {
		return nil, err
	}

	return convertJob(job), nil
}

func (s *BackendService) StopJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	if _, err := s.getJob(ctx, jobId); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(&database.PredictionJob{}).Where("id = ?", jobId).Update("stopped", true).Error; err != nil {
		slog.Error("error stopping prediction job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error stopping prediction job")
	}

	slog.Info("stopped prediction job", "job_id", jobId)
	return nil, nil
}

func (s *BackendService) DeleteJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	if _, err := s.getJob(ctx, jobId); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"deleted": true, "stopped": true}
	if err := s.db.WithContext(ctx).Model(&database.PredictionJob{}).Where("id = ?", jobId).Updates(updates).Error; err != nil {
		slog.Error("error deleting prediction job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting prediction job")
	}

	slog.Info("deleted prediction job", "job_id", jobId)
	return nil, nil
}

type jobRowsParams struct {
	Limit  int `schema:"limit"`
	Offset int `schema:"offset"`
}

func (s *BackendService) GetJobRows(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[jobRowsParams](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	if _, err := s.getJob(ctx, jobId); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Where("job_id = ?", jobId).Order("object asc").Order("row_index asc")
	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}
	if params.Offset > 0 {
		query = query.Offset(params.Offset)
	}

	var rows []database.PredictionRow
	if err := query.Find(&rows).Error; err != nil {
		slog.Error("error listing prediction rows", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving prediction rows")
	}

	return convertJobRows(rows), nil
}

func (s *BackendService) getModel(ctx context.Context, modelId uuid.UUID) (database.Model, error) {
	var model database.Model
	if err := s.db.WithContext(ctx).Preload("Tags").First(&model, "id = ?", modelId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Model{}, CodedErrorf(http.StatusNotFound, "model not found")
		}
		slog.Error("error getting model", "model_id", modelId, "error", err)
		return database.Model{}, CodedErrorf(http.StatusInternalServerError, "error retrieving model record")
	}
	return model, nil
}

func (s *BackendService) getJob(ctx context.Context, jobId uuid.UUID) (database.PredictionJob, error) {
	var job database.PredictionJob
	if err := s.db.WithContext(ctx).Preload("Model").Preload("Errors").First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.PredictionJob{}, CodedErrorf(http.StatusNotFound, "prediction job not found")
		}
		slog.Error("error getting prediction job", "job_id", jobId, "error", err)
		return database.PredictionJob{}, CodedErrorf(http.StatusInternalServerError, "error retrieving prediction job record")
	}
	if job.Deleted {
		return database.PredictionJob{}, CodedErrorf(http.StatusNotFound, "prediction job not found")
	}
	return job, nil
}

func storedModelArgs(model *database.Model) (*core.ModelArgs, error) {
	var args core.ModelArgs
	if err := json.Unmarshal(model.Args, &args); err != nil {
		return nil, fmt.Errorf("stored args for model %s are not readable: %w", model.Id, err)
	}
	return &args, nil
}
