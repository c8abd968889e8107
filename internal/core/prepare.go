package core

import (
	"context"
	"fmt"
	"log/slog"

	"nlp-backend/internal/hub"
)

// PrepareModel downloads the model snapshot and resolves the args that depend
// on the model's own config. It fills in task_proper, max_length, and
// labels_map on args and returns the backend the model will be served with.
func PrepareModel(ctx context.Context, client *hub.Client, args *ModelArgs, modelDir string, remote RemoteConfig) (Backend, error) {
	args.TaskProper = args.ResolveTaskProper()

	backend := ChooseBackend(args.Task, false, remote.Configured())
	if IsStatelessBackend(backend) {
		return backend, nil
	}

	if err := client.DownloadSnapshot(ctx, args.ModelName, modelDir); err != nil {
		return "", fmt.Errorf("error while downloading and setting up the model %s, please try a different model: %w", args.ModelName, err)
	}

	config, err := hub.LoadModelConfig(modelDir)
	if err != nil {
		slog.Warn("model config not readable, using defaults", "model", args.ModelName, "error", err)
		config = &hub.ModelConfig{}
	}

	resolveMaxLength(args, config)
	if err := resolveLabelsMap(args, config); err != nil {
		return "", err
	}

	return ChooseBackend(args.Task, HasOnnxExport(modelDir), remote.Configured()), nil
}

func resolveMaxLength(args *ModelArgs, config *hub.ModelConfig) {
	if args.MaxLength > 0 {
		return
	}
	if config.MaxPositionEmbeddings > 0 {
		args.MaxLength = config.MaxPositionEmbeddings
		return
	}
	if config.MaxLength > 0 {
		args.MaxLength = config.MaxLength
		return
	}
	slog.Info("no max_length found for model", "model", args.ModelName)
}

// resolveLabelsMap builds the mapping from the model's own label names to the
// names predictions are reported with. Without a labels arg the mapping is
// the identity; with one, labels are matched to the model's label ids by
// position.
func resolveLabelsMap(args *ModelArgs, config *hub.ModelConfig) error {
	if len(config.Id2Label) == 0 {
		return nil
	}
	ordered, err := config.OrderedLabels()
	if err != nil {
		return err
	}

	labelsMap := make(map[string]string, len(ordered))
	if len(args.Labels) > 0 {
		if len(args.Labels) != len(ordered) {
			return fmt.Errorf("parameter %q must have %d entries to relabel this model, got %d", "labels", len(ordered), len(args.Labels))
		}
		for i, label := range ordered {
			labelsMap[label] = args.Labels[i]
		}
	} else {
		for _, label := range ordered {
			labelsMap[label] = label
		}
	}
	args.LabelsMap = labelsMap

	return nil
}
