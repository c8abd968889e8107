package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateModelStatus(ctx context.Context, txn *gorm.DB, modelId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == ModelReady || status == ModelFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Model{Id: modelId}).Updates(updates).Error; err != nil {
		slog.Error("error updating model status", "model_id", modelId, "status", status, "error", err)
		return err
	}
	return nil
}

func SetModelError(ctx context.Context, txn *gorm.DB, modelId uuid.UUID, errorMessage string) error {
	updates := map[string]any{
		"status":          ModelFailed,
		"error":           errorMessage,
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&Model{Id: modelId}).Updates(updates).Error; err != nil {
		slog.Error("error marking model failed", "model_id", modelId, "error", err)
		return err
	}
	return nil
}

func UpdateJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&PredictionJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveJobError(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, errorMessage string) {
	jobError := JobError{
		JobId:     jobId,
		ErrorId:   uuid.New(),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&jobError).Error; err != nil {
		slog.Error("error saving job error", "job_id", jobId, "error", err)
	}
}

func SetModelTags(ctx context.Context, db *gorm.DB, modelId uuid.UUID, tags []string) error {
	newTags := make([]ModelTag, len(tags))
	for i, t := range tags {
		newTags[i] = ModelTag{ModelId: modelId, Tag: t}
	}

	if err := db.WithContext(ctx).
		Where("model_id = ?", modelId).
		Delete(&ModelTag{}).
		Error; err != nil {
		return fmt.Errorf("could not clear old tags: %w", err)
	}

	if len(newTags) > 0 {
		if err := db.WithContext(ctx).
			Create(&newTags).
			Error; err != nil {
			return fmt.Errorf("could not add new tags: %w", err)
		}
	}
	return nil
}
