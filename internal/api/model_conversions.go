package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"nlp-backend/internal/database"
	"nlp-backend/pkg/api"
)

func convertModel(m database.Model) api.Model {
	model := api.Model{
		Id:           m.Id,
		Name:         m.Name,
		Task:         m.Task,
		HubModelName: m.HubModelName,
		Backend:      m.Backend,
		Target:       m.Target,
		Status:       m.Status,
		Error:        m.Error,
		CreationTime: m.CreationTime,
	}

	if len(m.Args) > 0 {
		if err := json.Unmarshal(m.Args, &model.Args); err != nil {
			slog.Error("error parsing stored model args", "model_id", m.Id, "error", err)
		}
	}

	for _, tag := range m.Tags {
		model.Tags = append(model.Tags, tag.Tag)
	}

	if m.CompletionTime.Valid {
		model.CompletionTime = &m.CompletionTime.Time
	}

	return model
}

func convertModels(ms []database.Model) []api.Model {
	models := make([]api.Model, 0, len(ms))
	for _, m := range ms {
		models = append(models, convertModel(m))
	}
	return models
}

func convertJob(j database.PredictionJob) api.Job {
	job := api.Job{
		Id:                 j.Id,
		Name:               j.JobName,
		Status:             j.Status,
		Stopped:            j.Stopped,
		CreationTime:       j.CreationTime,
		TotalFileCount:     j.TotalFileCount,
		SucceededFileCount: j.SucceededFileCount,
		FailedFileCount:    j.FailedFileCount,
		RowsProcessed:      j.RowsProcessed,
		RowsFailed:         j.RowsFailed,
	}

	if j.Model != nil {
		job.Model = convertModel(*j.Model)
	}

	if j.StartTime.Valid {
		job.StartTime = &j.StartTime.Time
	}
	if j.CompletionTime.Valid {
		job.CompletionTime = &j.CompletionTime.Time
	}

	for _, jobErr := range j.Errors {
		job.Errors = append(job.Errors, jobErr.Error)
	}

	return job
}

func convertJobs(js []database.PredictionJob) []api.Job {
	jobs := make([]api.Job, 0, len(js))
	for _, j := range js {
		jobs = append(jobs, convertJob(j))
	}
	return jobs
}

func convertJobRow(r database.PredictionRow) api.JobRow {
	row := api.JobRow{
		Object:   r.Object,
		RowIndex: r.RowIndex,
		Error:    r.Error,
	}

	if len(r.Output) > 0 {
		if err := json.Unmarshal(r.Output, &row.Output); err != nil {
			slog.Error("error parsing stored row output", "object", r.Object, "row", r.RowIndex, "error", err)
		}
	}

	return row
}

func convertJobRows(rs []database.PredictionRow) []api.JobRow {
	rows := make([]api.JobRow, 0, len(rs))
	for _, r := range rs {
		rows = append(rows, convertJobRow(r))
	}
	return rows
}

// keyValueFrame flattens a document into sorted key/value rows so that
// describe responses are stable across calls.
func keyValueFrame(doc map[string]any) *api.Frame {
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, map[string]any{"key": key, "value": renderValue(doc[key])})
	}

	return &api.Frame{Columns: []string{"key", "value"}, Rows: rows}
}

func tablesFrame(tables []string) *api.Frame {
	rows := make([]map[string]any, 0, len(tables))
	for _, table := range tables {
		rows = append(rows, map[string]any{"tables": table})
	}
	return &api.Frame{Columns: []string{"tables"}, Rows: rows}
}

// renderValue keeps scalars as-is and renders composite values as JSON so
// every frame cell is a single value.
func renderValue(value any) any {
	switch v := value.(type) {
	case nil, string, bool, float64, int, int64:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func jsonDocument(data []byte) (map[string]any, error) {
	doc := map[string]any{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
