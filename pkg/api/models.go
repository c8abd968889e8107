package api

import (
	"time"

	"github.com/google/uuid"
)

// Frame is an ordered set of rows keyed by column name. Row i of a predict
// response corresponds to row i of the request input.
type Frame struct {
	Columns []string
	Rows    []map[string]any
}

type Model struct {
	Id           uuid.UUID
	Name         string
	Task         string
	HubModelName string
	Backend      string
	Target       string
	Status       string
	Error        string `json:"Error,omitempty"`

	Args map[string]any `json:"Args,omitempty"`
	Tags []string       `json:"Tags,omitempty"`

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type CreateModelRequest struct {
	Name   string
	Target string

	Args map[string]any
}

type CreateModelResponse struct {
	ModelId uuid.UUID
}

type PredictRequest struct {
	Rows []map[string]any

	PredictParams map[string]any `json:"PredictParams,omitempty"`
}

type TaskSchema struct {
	Task         string
	RequiredArgs []string
	OptionalArgs []string
}

type UploadResponse struct {
	Id uuid.UUID
}

type CreateJobRequest struct {
	ModelId uuid.UUID
	Name    string

	UploadId       uuid.UUID
	SourceS3Bucket string
	SourceS3Prefix string

	PredictParams map[string]any `json:"PredictParams,omitempty"`
}

type CreateJobResponse struct {
	JobId uuid.UUID
}

type Job struct {
	Id uuid.UUID

	Model Model
	Name  string

	Status  string
	Stopped bool

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	TotalFileCount     int
	SucceededFileCount int
	FailedFileCount    int
	RowsProcessed      int
	RowsFailed         int

	Errors []string `json:"Errors,omitempty"`
}

type JobRow struct {
	Object   string
	RowIndex int

	Output map[string]any `json:"Output,omitempty"`
	Error  string         `json:"Error,omitempty"`
}
