package main

// Dev utility that drives a running backend end to end: prepares a model,
// runs a prediction job over a bucket, and prints the first result rows.

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"nlp-backend/pkg/api"

	"github.com/google/uuid"
)

var baseURL string

func getJSON(path string, dest any) error {
	resp, err := http.Get(baseURL + path)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d, body: %s", path, resp.StatusCode, string(body))
	}

	return json.Unmarshal(body, dest)
}

func postJSON(path string, payload, dest any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}

	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: status %d, body: %s", path, resp.StatusCode, string(body))
	}

	if dest == nil {
		return nil
	}
	return json.Unmarshal(body, dest)
}

func findOrCreateModel(name, hubModel string) (uuid.UUID, error) {
	var models []api.Model
	if err := getJSON("/models", &models); err != nil {
		return uuid.Nil, err
	}

	for _, model := range models {
		if model.Name == name {
			fmt.Printf("Reusing model %s (%s), status %s\n", model.Name, model.Id, model.Status)
			return model.Id, nil
		}
	}

	var created api.CreateModelResponse
	err := postJSON("/models", api.CreateModelRequest{
		Name:   name,
		Target: "sentiment",
		Args: map[string]any{
			"task":         "text-classification",
			"model_name":   hubModel,
			"input_column": "text",
		},
	}, &created)
	if err != nil {
		return uuid.Nil, err
	}

	fmt.Printf("Created model %s\n", created.ModelId)
	return created.ModelId, nil
}

func waitForModel(modelId uuid.UUID) error {
	for {
		var model api.Model
		if err := getJSON(fmt.Sprintf("/models/%s", modelId), &model); err != nil {
			return err
		}

		fmt.Printf("Model status: %s\n", model.Status)
		switch model.Status {
		case "READY":
			return nil
		case "FAILED":
			return fmt.Errorf("model preparation failed: %s", model.Error)
		}

		time.Sleep(2 * time.Second)
	}
}

func waitForJob(jobId uuid.UUID) error {
	for {
		var job api.Job
		if err := getJSON(fmt.Sprintf("/jobs/%s", jobId), &job); err != nil {
			return err
		}

		fmt.Printf("Job status: %s (%d/%d files, %d rows)\n", job.Status, job.SucceededFileCount+job.FailedFileCount, job.TotalFileCount, job.RowsProcessed)
		switch job.Status {
		case "COMPLETED":
			if job.RowsFailed > 0 {
				fmt.Printf("Warning: %d rows failed\n", job.RowsFailed)
			}
			return nil
		case "FAILED":
			return fmt.Errorf("job failed: %v", job.Errors)
		}

		time.Sleep(2 * time.Second)
	}
}

func printRows(jobId uuid.UUID, limit int) error {
	var rows []api.JobRow
	if err := getJSON(fmt.Sprintf("/jobs/%s/rows?limit=%d", jobId, limit), &rows); err != nil {
		return err
	}

	for _, row := range rows {
		if row.Error != "" {
			fmt.Printf("%s[%d]: error: %s\n", row.Object, row.RowIndex, row.Error)
			continue
		}
		output, err := json.Marshal(row.Output)
		if err != nil {
			return fmt.Errorf("error marshaling row output: %w", err)
		}
		fmt.Printf("%s[%d]: %s\n", row.Object, row.RowIndex, output)
	}

	return nil
}

func main() {
	var (
		modelName string
		hubModel  string
		jobName   string
		bucket    string
		prefix    string
	)

	flag.StringVar(&baseURL, "api", "http://localhost:8001/api/v1", "base url of the backend api")
	flag.StringVar(&modelName, "model", "sst2-smoke", "name of the model to reuse or create")
	flag.StringVar(&hubModel, "hub-model", "distilbert-base-uncased-finetuned-sst-2-english", "hub model to prepare")
	flag.StringVar(&jobName, "job", "smoke-test", "name for the prediction job")
	flag.StringVar(&bucket, "bucket", "", "source bucket holding the dataset")
	flag.StringVar(&prefix, "prefix", "", "key prefix of the dataset within the bucket")
	flag.Parse()

	if bucket == "" {
		log.Fatal("-bucket is required")
	}

	modelId, err := findOrCreateModel(modelName, hubModel)
	if err != nil {
		log.Fatalf("Error resolving model: %v", err)
	}

	if err := waitForModel(modelId); err != nil {
		log.Fatalf("Error preparing model: %v", err)
	}

	var created api.CreateJobResponse
	err = postJSON("/jobs", api.CreateJobRequest{
		ModelId:        modelId,
		Name:           jobName,
		SourceS3Bucket: bucket,
		SourceS3Prefix: prefix,
	}, &created)
	if err != nil {
		log.Fatalf("Error creating job: %v", err)
	}
	fmt.Printf("Created job %s\n", created.JobId)

	if err := waitForJob(created.JobId); err != nil {
		log.Fatalf("Error running job: %v", err)
	}

	if err := printRows(created.JobId, 20); err != nil {
		log.Fatalf("Error fetching rows: %v", err)
	}
}
