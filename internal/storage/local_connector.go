package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type LocalConnectorParams struct {
	BaseDir string
	SubDir  string
}

type LocalConnector struct {
	params LocalConnectorParams
}

var _ Connector = (*LocalConnector)(nil)

func NewLocalConnector(params LocalConnectorParams) *LocalConnector {
	return &LocalConnector{params: params}
}

func (c *LocalConnector) IterObjects(ctx context.Context) ObjectIterator {
	return func(yield func(obj Object, err error) bool) {
		root := filepath.Join(c.params.BaseDir, c.params.SubDir)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}

			obj := Object{Name: filepath.ToSlash(filepath.Join(c.params.SubDir, rel)), Size: info.Size()}
			if !yield(obj, nil) {
				return io.EOF
			}
			return nil
		})

		if err != nil && !errors.Is(err, io.EOF) {
			yield(Object{}, err)
		}
	}
}

func (c *LocalConnector) GetObjectStream(ctx context.Context, key string) (io.Reader, error) {
	// TODO: This loads the entire file into memory. Return an io.ReadCloser
	// backed by os.Open once callers close the streams they get.
	data, err := os.ReadFile(filepath.Join(c.params.BaseDir, key))
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s/%s: %w", c.params.BaseDir, key, err)
	}
	return bytes.NewReader(data), nil
}
