package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ModelQueued    string = "QUEUED"
	ModelPreparing string = "PREPARING"
	ModelReady     string = "READY"
	ModelFailed    string = "FAILED"
)

type Model struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"not null;uniqueIndex"`

	Task         string `gorm:"size:40;not null"`
	HubModelName string `gorm:"not null"`
	Backend      string `gorm:"size:20;not null"`
	Target       string `gorm:"not null"`

	Status string `gorm:"size:20;not null"`
	Error  string

	Args     datatypes.JSON // {"task_proper":…,"max_length":…,"labels_map":{…},…}
	Metadata datatypes.JSON // hub model info snapshot taken at creation

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Tags []ModelTag `gorm:"foreignKey:ModelId;constraint:OnDelete:CASCADE"`
}

type ModelTag struct {
	ModelId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tag     string    `gorm:"primaryKey"`
}

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type PredictionJob struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobName string    `gorm:"not null"`

	ModelId uuid.UUID `gorm:"type:uuid"`
	Model   *Model    `gorm:"foreignKey:ModelId"`

	Deleted bool `gorm:"default:false"`
	Stopped bool `gorm:"default:false"`

	StorageType   string         `gorm:"size:20;not null"`
	StorageParams datatypes.JSON `gorm:"not null"` // shape depends on StorageType
	PredictParams datatypes.JSON

	Status string `gorm:"size:20;not null"`

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	TotalFileCount     int `gorm:"default:0"`
	SucceededFileCount int `gorm:"default:0"`
	FailedFileCount    int `gorm:"default:0"`

	RowsProcessed int `gorm:"default:0"`
	RowsFailed    int `gorm:"default:0"`

	Errors []JobError `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

type PredictionRow struct {
	JobId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Object   string    `gorm:"primaryKey;size:255"`
	RowIndex int       `gorm:"primaryKey"`

	Output datatypes.JSON `gorm:"type:jsonb"` // {"<target>":…,"<target>_explain":{…}}
	Error  string
}

type JobError struct {
	JobId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}
