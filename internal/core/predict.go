package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nlp-backend/pkg/api"
)

// Predictor maps the raw pipeline result for one input text to an output row
// keyed by the model's target column.
type Predictor func(result []map[string]any, args *ModelArgs) (map[string]any, error)

var predictors = map[string]Predictor{
	TaskTextClassification:     predictTextClassification,
	TaskZeroShotClassification: predictZeroShot,
	TaskTranslation:            predictTranslation,
	TaskSummarization:          predictSummarization,
	TaskText2TextGeneration:    predictText2Text,
	TaskFillMask:               predictFillMask,
}

var errEmptyResult = errors.New("empty pipeline result")

// Predict runs the pipeline over the input rows and assembles the result
// frame. Row i of the frame corresponds to row i of the input. A row that
// fails comes back as an error row without failing the call; with a batch
// size above one the texts go through the engine in a single call, so an
// engine error there fails every row.
func Predict(ctx context.Context, pipeline Pipeline, args *ModelArgs, rows []map[string]any) (*api.Frame, error) {
	predictor, ok := predictors[args.Task]
	if !ok {
		return nil, fmt.Errorf("unknown task: %s", args.Task)
	}

	if len(rows) == 0 {
		return assembleFrame(args, nil), nil
	}

	texts, err := inputTexts(rows, args.InputColumn)
	if err != nil {
		return nil, err
	}

	outputs := make([]map[string]any, len(rows))

	if args.BatchSize > 1 {
		results, err := pipeline.Run(ctx, texts, args)
		if err != nil {
			msg := errorMessage(err)
			for i := range outputs {
				outputs[i] = map[string]any{"error": msg}
			}
		} else {
			for i := range texts {
				outputs[i] = predictOne(predictor, results, i, args)
			}
		}
	} else {
		for i, text := range texts {
			results, err := pipeline.Run(ctx, []string{text}, args)
			if err != nil {
				outputs[i] = map[string]any{"error": errorMessage(err)}
				continue
			}
			outputs[i] = predictOne(predictor, results, 0, args)
		}
	}

	return assembleFrame(args, outputs), nil
}

func predictOne(predictor Predictor, results [][]map[string]any, i int, args *ModelArgs) map[string]any {
	if i >= len(results) {
		return map[string]any{"error": "missing pipeline result"}
	}
	output, err := predictor(results[i], args)
	if err != nil {
		return map[string]any{"error": errorMessage(err)}
	}
	return output
}

// inputTexts pulls the input column out of the request rows. The column must
// appear somewhere in the input; rows that lack it individually run on an
// empty string.
func inputTexts(rows []map[string]any, column string) ([]string, error) {
	found := false
	texts := make([]string, len(rows))
	for i, row := range rows {
		value, ok := row[column]
		if !ok {
			continue
		}
		found = true
		texts[i] = stringValue(value)
	}
	if len(rows) > 0 && !found {
		return nil, fmt.Errorf("column %q not found in input data", column)
	}
	return texts, nil
}

func assembleFrame(args *ModelArgs, outputs []map[string]any) *api.Frame {
	var columns []string
	for _, column := range []string{args.Target, args.Target + "_explain", "error"} {
		for _, output := range outputs {
			if _, ok := output[column]; ok {
				columns = append(columns, column)
				break
			}
		}
	}
	return &api.Frame{Columns: columns, Rows: outputs}
}

func predictTextClassification(result []map[string]any, args *ModelArgs) (map[string]any, error) {
	if len(result) == 0 {
		return nil, errEmptyResult
	}
	explain := make(map[string]any, len(result))
	for _, entry := range result {
		explain[mapLabel(args.LabelsMap, stringField(entry, "label"))] = floatField(entry, "score")
	}
	return map[string]any{
		args.Target:              mapLabel(args.LabelsMap, stringField(result[0], "label")),
		args.Target + "_explain": explain,
	}, nil
}

func predictZeroShot(result []map[string]any, args *ModelArgs) (map[string]any, error) {
	if len(result) == 0 {
		return nil, errEmptyResult
	}
	labels := stringsOf(result[0]["labels"])
	scores := floatsOf(result[0]["scores"])
	if len(labels) == 0 || len(labels) != len(scores) {
		return nil, errors.New("malformed zero-shot result")
	}
	explain := make(map[string]any, len(labels))
	for i, label := range labels {
		explain[label] = scores[i]
	}
	return map[string]any{
		args.Target:              labels[0],
		args.Target + "_explain": explain,
	}, nil
}

func predictTranslation(result []map[string]any, args *ModelArgs) (map[string]any, error) {
	return textResult(result, args, "translation_text")
}

func predictSummarization(result []map[string]any, args *ModelArgs) (map[string]any, error) {
	return textResult(result, args, "summary_text")
}

func predictText2Text(result []map[string]any, args *ModelArgs) (map[string]any, error) {
	return textResult(result, args, "generated_text")
}

func predictFillMask(result []map[string]any, args *ModelArgs) (map[string]any, error) {
	if len(result) == 0 {
		return nil, errEmptyResult
	}
	explain := make(map[string]any, len(result))
	for _, entry := range result {
		explain[stringField(entry, "sequence")] = floatField(entry, "score")
	}
	return map[string]any{
		args.Target:              stringField(result[0], "sequence"),
		args.Target + "_explain": explain,
	}, nil
}

func textResult(result []map[string]any, args *ModelArgs, field string) (map[string]any, error) {
	if len(result) == 0 {
		return nil, errEmptyResult
	}
	text, ok := result[0][field].(string)
	if !ok {
		return nil, fmt.Errorf("pipeline result is missing %q", field)
	}
	return map[string]any{args.Target: text}, nil
}

func mapLabel(labelsMap map[string]string, label string) string {
	if mapped, ok := labelsMap[label]; ok {
		return mapped
	}
	return label
}

// errorMessage flattens an error into the message stored on failed rows.
func errorMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return fmt.Sprintf("%T", err)
	}
	return msg
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func stringField(entry map[string]any, key string) string {
	s, _ := entry[key].(string)
	return s
}

func floatField(entry map[string]any, key string) float64 {
	return floatOf(entry[key])
}

func floatOf(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func stringsOf(value any) []string {
	switch vals := value.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, v := range vals {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func floatsOf(value any) []float64 {
	switch vals := value.(type) {
	case []float64:
		return vals
	case []any:
		out := make([]float64, 0, len(vals))
		for _, v := range vals {
			out = append(out, floatOf(v))
		}
		return out
	}
	return nil
}
