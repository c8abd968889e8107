package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"nlp-backend/internal/database"
	"nlp-backend/internal/hub"
	"nlp-backend/internal/messaging"
	"nlp-backend/internal/storage"
)

// jobBatchSize is the number of rows predicted and persisted together while
// working through a dataset object.
const jobBatchSize = 32

type TaskProcessor struct {
	db       *gorm.DB
	storage  storage.ObjectStore
	receiver messaging.Receiver
	hub      *hub.Client

	localModelDir string
	modelBucket   string
	remote        RemoteConfig
	loaders       map[Backend]PipelineLoader
}

func NewTaskProcessor(db *gorm.DB, store storage.ObjectStore, receiver messaging.Receiver, hubClient *hub.Client, localModelDir, modelBucket string, remote RemoteConfig, loaders map[Backend]PipelineLoader) *TaskProcessor {
	return &TaskProcessor{
		db:            db,
		storage:       store,
		receiver:      receiver,
		hub:           hubClient,
		localModelDir: localModelDir,
		modelBucket:   modelBucket,
		remote:        remote,
		loaders:       loaders,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.receiver.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.receiver.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.PrepareModelQueue:
		var payload messaging.PrepareModelPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling prepare model task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processPrepareModelTask(ctx, payload)

	case messaging.PredictionJobQueue:
		var payload messaging.PredictionJobPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling prediction job task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processPredictionJobTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) getModelDir(modelId uuid.UUID) string {
	return filepath.Join(proc.localModelDir, modelId.String())
}

func (proc *TaskProcessor) getModel(ctx context.Context, modelId uuid.UUID) (database.Model, error) {
	var model database.Model
	if err := proc.db.WithContext(ctx).First(&model, "id = ?", modelId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Error("model not found", "model_id", modelId)
			return database.Model{}, fmt.Errorf("model not found: %w", err)
		}
		slog.Error("error getting model", "model_id", modelId, "error", err)
		return database.Model{}, fmt.Errorf("error getting model: %w", err)
	}
	return model, nil
}

func (proc *TaskProcessor) processPrepareModelTask(ctx context.Context, payload messaging.PrepareModelPayload) error {
	modelId := payload.ModelId

	slog.Info("processing prepare model task", "model_id", modelId)

	model, err := proc.getModel(ctx, modelId)
	if err != nil {
		return err
	}

	if model.Status == database.ModelReady {
		slog.Info("model already prepared, skipping", "model_id", modelId)
		return nil
	}

	database.UpdateModelStatus(ctx, proc.db, modelId, database.ModelPreparing) //nolint:errcheck

	var args ModelArgs
	if err := json.Unmarshal(model.Args, &args); err != nil {
		database.SetModelError(ctx, proc.db, modelId, "stored model args are not readable") //nolint:errcheck
		return fmt.Errorf("error unmarshalling model args: %w", err)
	}

	localDir := proc.getModelDir(modelId)

	backend, prepErr := PrepareModel(ctx, proc.hub, &args, localDir, proc.remote)
	if prepErr != nil {
		database.SetModelError(ctx, proc.db, modelId, errorMessage(prepErr)) //nolint:errcheck
		return prepErr
	}

	if !IsStatelessBackend(backend) {
		if err := proc.storage.UploadDir(ctx, proc.modelBucket, modelId.String(), localDir); err != nil {
			database.SetModelError(ctx, proc.db, modelId, "error syncing model to storage") //nolint:errcheck
			return fmt.Errorf("error uploading model to storage: %w", err)
		}
	}

	resolved, err := json.Marshal(&args)
	if err != nil {
		return fmt.Errorf("error encoding resolved args: %w", err)
	}

	if err := proc.db.WithContext(ctx).
		Model(&database.Model{}).
		Where("id = ?", modelId).
		Updates(map[string]interface{}{
			"args":    datatypes.JSON(resolved),
			"backend": string(backend),
		}).Error; err != nil {
		return fmt.Errorf("error saving resolved args: %w", err)
	}

	if err := database.UpdateModelStatus(ctx, proc.db, modelId, database.ModelReady); err != nil {
		return fmt.Errorf("error updating model status: %w", err)
	}

	slog.Info("model prepared successfully", "model_id", modelId, "backend", backend)

	return nil
}

func (proc *TaskProcessor) processPredictionJobTask(ctx context.Context, payload messaging.PredictionJobPayload) error {
	jobId := payload.JobId

	slog.Info("processing prediction job", "job_id", jobId)

	var job database.PredictionJob
	if err := proc.db.WithContext(ctx).Preload("Model").First(&job, "id = ?", jobId).Error; err != nil {
		slog.Error("error fetching prediction job", "job_id", jobId, "error", err)
		return fmt.Errorf("error getting prediction job: %w", err)
	}

	if job.Stopped || job.Deleted {
		slog.Info("job stopped, skipping prediction job", "job_id", jobId)
		return nil
	}

	if job.Model == nil || job.Model.Status != database.ModelReady {
		message := "model is not ready for predictions"
		if job.Model != nil {
			message = fmt.Sprintf("model %s is not ready for predictions", job.Model.Name)
		}
		database.SaveJobError(ctx, proc.db, jobId, message)
		database.UpdateJobStatus(ctx, proc.db, jobId, database.JobFailed) //nolint:errcheck
		return errors.New(message)
	}

	if err := proc.db.WithContext(ctx).
		Model(&database.PredictionJob{}).
		Where("id = ?", jobId).
		Updates(map[string]interface{}{
			"status":     database.JobRunning,
			"start_time": time.Now().UTC(),
		}).Error; err != nil {
		slog.Error("error marking job as running", "job_id", jobId, "error", err)
	}

	workerErr := proc.runPredictionJob(ctx, &job)

	if workerErr != nil {
		slog.Error("error running prediction job", "job_id", jobId, "error", workerErr)
		database.SaveJobError(ctx, proc.db, jobId, errorMessage(workerErr))
		database.UpdateJobStatus(ctx, proc.db, jobId, database.JobFailed) //nolint:errcheck
		return fmt.Errorf("error running prediction job: %w", workerErr)
	}

	if err := database.UpdateJobStatus(ctx, proc.db, jobId, database.JobCompleted); err != nil {
		return fmt.Errorf("error updating prediction job status to complete: %w", err)
	}

	slog.Info("prediction job completed successfully", "job_id", jobId)

	return nil
}

func jobArgs(job *database.PredictionJob) (*ModelArgs, error) {
	var raw map[string]any
	if err := json.Unmarshal(job.Model.Args, &raw); err != nil {
		return nil, fmt.Errorf("error unmarshalling model args: %w", err)
	}
	args, err := DecodeModelArgs(raw)
	if err != nil {
		return nil, err
	}

	if len(job.PredictParams) > 0 {
		var params map[string]any
		if err := json.Unmarshal(job.PredictParams, &params); err != nil {
			return nil, fmt.Errorf("error unmarshalling predict params: %w", err)
		}
		args, err = args.WithOverrides(params)
		if err != nil {
			return nil, err
		}
	}

	return args, nil
}

func (proc *TaskProcessor) runPredictionJob(ctx context.Context, job *database.PredictionJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}

	backend, err := ParseBackend(job.Model.Backend)
	if err != nil {
		return err
	}

	pipeline, err := proc.loadPipeline(ctx, job.ModelId, backend, args)
	if err != nil {
		return err
	}
	defer pipeline.Release()

	connectorType, err := storage.ToConnectorType(job.StorageType)
	if err != nil {
		return fmt.Errorf("invalid storage type: %v", err)
	}
	connector, err := storage.NewConnector(ctx, connectorType, job.StorageParams)
	if err != nil {
		return fmt.Errorf("error initializing connector for prediction job: %w", err)
	}

	parser := NewRowParser(args.InputColumn)

	objectErrorCnt := 0
	totalObjectCnt := 0

	for object, err := range connector.IterObjects(ctx) {
		if err != nil {
			slog.Error("error listing job objects", "job_id", job.Id, "error", err)
			return err
		}

		totalObjectCnt++

		if err := proc.processJobObject(ctx, job, pipeline, parser, connector, args, object.Name); err != nil {
			slog.Error("error processing object", "job_id", job.Id, "object", object.Name, "error", err)
			database.SaveJobError(ctx, proc.db, job.Id, fmt.Sprintf("%s: %s", object.Name, errorMessage(err)))
			objectErrorCnt++
			if err := proc.updateFileCount(job.Id, false); err != nil {
				return err
			}
			continue
		}

		if err := proc.updateFileCount(job.Id, true); err != nil {
			return err
		}
	}

	if err := proc.db.
		Model(&database.PredictionJob{}).
		Where("id = ?", job.Id).
		UpdateColumn("total_file_count", totalObjectCnt).
		Error; err != nil {
		slog.Warn("failed to update total_file_count", "job_id", job.Id, "totalObjects", totalObjectCnt, "error", err)
	}

	if objectErrorCnt > 0 {
		return fmt.Errorf("errors while processing %d/%d objects", objectErrorCnt, totalObjectCnt)
	}

	return nil
}

func (proc *TaskProcessor) processJobObject(ctx context.Context, job *database.PredictionJob, pipeline Pipeline, parser RowParser, connector storage.Connector, args *ModelArgs, object string) error {
	stream, err := connector.GetObjectStream(ctx, object)
	if err != nil {
		return fmt.Errorf("error getting object stream: %w", err)
	}

	start := time.Now()

	// rowIndex is the index of the first row in the current batch.
	rowIndex := 0
	batch := make([]map[string]any, 0, jobBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		frame, err := Predict(ctx, pipeline, args, batch)
		if err != nil {
			return err
		}

		failed := 0
		records := make([]database.PredictionRow, len(frame.Rows))
		for i, row := range frame.Rows {
			record := database.PredictionRow{
				JobId:    job.Id,
				Object:   object,
				RowIndex: rowIndex + i,
			}
			if msg, ok := row["error"].(string); ok && len(row) == 1 {
				record.Error = msg
				failed++
			} else {
				output, err := json.Marshal(row)
				if err != nil {
					return fmt.Errorf("error encoding output row: %w", err)
				}
				record.Output = datatypes.JSON(output)
			}
			records[i] = record
		}

		if err := proc.db.CreateInBatches(&records, 100).Error; err != nil {
			return fmt.Errorf("error saving prediction rows: %w", err)
		}

		if err := proc.updateRowCounts(job.Id, len(records)-failed, failed); err != nil {
			return err
		}

		rowIndex += len(batch)
		batch = batch[:0]
		return nil
	}

	for parsed := range parser.Parse(object, stream) {
		if parsed.Error != nil {
			if err := flush(); err != nil {
				return err
			}
			return fmt.Errorf("error parsing object: %w", parsed.Error)
		}
		batch = append(batch, parsed.Row)
		if len(batch) >= jobBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if err := flush(); err != nil {
		return err
	}

	slog.Info("processed object", "object", object, "rows", rowIndex, "duration", time.Since(start))

	return nil
}

func (proc *TaskProcessor) updateFileCount(jobId uuid.UUID, success bool) error {
	var column string
	if success {
		column = "succeeded_file_count"
	} else {
		column = "failed_file_count"
	}

	if err := proc.db.
		Model(&database.PredictionJob{}).
		Where("id = ?", jobId).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1)).
		Error; err != nil {
		slog.Error("could not increment file count", "job_id", jobId, "column", column, "error", err)
		return fmt.Errorf("could not increment file count: %w", err)
	}

	return nil
}

func (proc *TaskProcessor) updateRowCounts(jobId uuid.UUID, processed, failed int) error {
	updates := map[string]interface{}{}
	if processed > 0 {
		updates["rows_processed"] = gorm.Expr("rows_processed + ?", processed)
	}
	if failed > 0 {
		updates["rows_failed"] = gorm.Expr("rows_failed + ?", failed)
	}
	if len(updates) == 0 {
		return nil
	}

	if err := proc.db.
		Model(&database.PredictionJob{}).
		Where("id = ?", jobId).
		Updates(updates).
		Error; err != nil {
		slog.Error("could not increment row counts", "job_id", jobId, "error", err)
		return fmt.Errorf("could not increment row counts: %w", err)
	}

	return nil
}

func (proc *TaskProcessor) loadPipeline(ctx context.Context, modelId uuid.UUID, backend Backend, args *ModelArgs) (Pipeline, error) {
	var localDir string

	if IsStatelessBackend(backend) {
		localDir = ""
	} else {
		localDir = proc.getModelDir(modelId)

		if _, err := os.Stat(localDir); os.IsNotExist(err) {
			slog.Info("model not found locally, downloading from storage", "model_id", modelId)

			if err := proc.storage.DownloadDir(ctx, proc.modelBucket, modelId.String(), localDir, false); err != nil {
				return nil, fmt.Errorf("failed to download model from storage: %w", err)
			}
		}
	}

	loader, ok := proc.loaders[backend]
	if !ok {
		return nil, fmt.Errorf("no loader registered for backend %s", backend)
	}

	pipeline, err := loader(localDir, args)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	return pipeline, nil
}
