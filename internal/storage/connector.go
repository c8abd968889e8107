package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Connector reads the dataset objects of a prediction job. The object store
// holding the job's input is not necessarily the store this service writes
// to, so connectors are built from params persisted with the job.
type Connector interface {
	IterObjects(ctx context.Context) ObjectIterator

	GetObjectStream(ctx context.Context, key string) (io.Reader, error)
}

type connectorType string

const (
	LocalConnectorType connectorType = "local"
	S3ConnectorType    connectorType = "s3"
)

func ToConnectorType(typeString string) (connectorType, error) {
	switch typeString {
	case string(LocalConnectorType):
		return LocalConnectorType, nil
	case string(S3ConnectorType):
		return S3ConnectorType, nil
	}
	return "", fmt.Errorf("unknown connector type: %s", typeString)
}

func NewConnector(ctx context.Context, connectorType connectorType, params []byte) (Connector, error) {
	switch connectorType {
	case LocalConnectorType:
		var localConnectorParams LocalConnectorParams
		if err := json.Unmarshal(params, &localConnectorParams); err != nil {
			return nil, err
		}
		return NewLocalConnector(localConnectorParams), nil

	case S3ConnectorType:
		var s3ConnectorParams S3ConnectorParams
		if err := json.Unmarshal(params, &s3ConnectorParams); err != nil {
			return nil, err
		}
		return NewS3Connector(ctx, s3ConnectorParams)

	default:
		return nil, fmt.Errorf("unknown connector type: %s", connectorType)
	}
}
