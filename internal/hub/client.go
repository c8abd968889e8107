package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"

	"nlp-backend/internal/core/utils"
)

const (
	DefaultEndpoint = "https://huggingface.co"

	defaultRevision = "main"

	maxConcurrentDownloads = 4
)

var ErrModelNotFound = errors.New("model not found on hub")

type Sibling struct {
	Rfilename string `json:"rfilename"`
}

// ModelInfo is the hub's view of a model repo, as returned by the
// /api/models/{repo} endpoint.
type ModelInfo struct {
	Id          string    `json:"id"`
	Sha         string    `json:"sha"`
	PipelineTag string    `json:"pipeline_tag"`
	LibraryName string    `json:"library_name"`
	Tags        []string  `json:"tags"`
	Siblings    []Sibling `json:"siblings"`
	Downloads   int       `json:"downloads"`
	Likes       int       `json:"likes"`
}

func (info *ModelInfo) HasTag(tag string) bool {
	for _, t := range info.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (info *ModelInfo) HasFile(name string) bool {
	for _, sibling := range info.Siblings {
		if sibling.Rfilename == name {
			return true
		}
	}
	return false
}

// Fields flattens the model info into key/value pairs for display.
func (info *ModelInfo) Fields() (map[string]any, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("error marshalling model info: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("error unmarshalling model info: %w", err)
	}
	return fields, nil
}

type Client struct {
	client *resty.Client
}

func NewClient(endpoint, token string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	client := resty.New().SetBaseURL(endpoint)
	if token != "" {
		client.SetAuthToken(token)
	}

	return &Client{client: client}
}

func (c *Client) GetModelInfo(ctx context.Context, repo string) (*ModelInfo, error) {
	res, err := c.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/api/models/%s", repo))
	if err != nil {
		return nil, fmt.Errorf("error fetching model info for %s: %w", repo, err)
	}

	if res.StatusCode() == http.StatusNotFound || res.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, repo)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("hub returned status %d for model %s", res.StatusCode(), repo)
	}

	var info ModelInfo
	if err := json.Unmarshal(res.Body(), &info); err != nil {
		return nil, fmt.Errorf("error parsing model info for %s: %w", repo, err)
	}

	return &info, nil
}

// snapshotFile reports whether a repo file is worth downloading. Tokenizer,
// config, onnx, and pytorch weight files are kept; other frameworks' weights
// are skipped.
func snapshotFile(name string) bool {
	for _, suffix := range []string{".h5", ".msgpack", ".ot", ".tflite"} {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	base := filepath.Base(name)
	return !strings.HasPrefix(base, "flax_model") && !strings.HasPrefix(base, "tf_model")
}

// DownloadSnapshot downloads the serving-relevant files of a model repo into
// dest, preserving the repo's file layout. Files are fetched concurrently.
func (c *Client) DownloadSnapshot(ctx context.Context, repo, dest string) error {
	info, err := c.GetModelInfo(ctx, repo)
	if err != nil {
		return err
	}

	var files []string
	for _, sibling := range info.Siblings {
		if snapshotFile(sibling.Rfilename) {
			files = append(files, sibling.Rfilename)
		}
	}

	worker := func(file string) (string, error) {
		if err := c.downloadFile(ctx, repo, file, filepath.Join(dest, filepath.FromSlash(file))); err != nil {
			return "", fmt.Errorf("error downloading %s from %s: %w", file, repo, err)
		}
		return file, nil
	}
	queue := make(chan string, len(files))
	for _, file := range files {
		queue <- file
	}
	close(queue)
	completed := make(chan utils.CompletedTask[string], len(files))

	utils.RunInPool(worker, queue, completed, maxConcurrentDownloads)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("downloading "+repo),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	var errs []error
	for response := range completed {
		if response.Error != nil {
			errs = append(errs, response.Error)
		}
		_ = bar.Add(1)
	}
	if len(errs) > 0 {
		return errors.Join(errs[:min(3, len(errs))]...)
	}

	slog.Info("downloaded model snapshot", "repo", repo, "dest", dest)

	return nil
}

func (c *Client) downloadFile(ctx context.Context, repo, file, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(fmt.Sprintf("/%s/resolve/%s/%s", repo, defaultRevision, file))
	if err != nil {
		return fmt.Errorf("error requesting file: %w", err)
	}
	body := res.RawBody()
	defer body.Close()

	if res.StatusCode() != http.StatusOK {
		return fmt.Errorf("hub returned status %d", res.StatusCode())
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, body); err != nil {
		return fmt.Errorf("error writing file %s: %w", dst, err)
	}

	return nil
}
