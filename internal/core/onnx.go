//go:build !windows

package core

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"

	"nlp-backend/internal/hub"
)

const (
	defaultClassificationTopK = 1000
	defaultFillMaskTopK       = 5
	defaultMaskToken          = "[MASK]"
)

// HasOnnxExport reports whether the model snapshot carries an ONNX export
// usable by the in-process runtime.
func HasOnnxExport(modelDir string) bool {
	return onnxModelPath(modelDir) != ""
}

func onnxModelPath(modelDir string) string {
	candidates := []string{
		filepath.Join(modelDir, "model.onnx"),
		filepath.Join(modelDir, "onnx", "model.onnx"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// OnnxPipeline serves text-classification and fill-mask models from an ONNX
// export. Generation and zero-shot tasks need encoding modes the in-process
// tokenizer does not cover, so they stay on the python backend.
type OnnxPipeline struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *tokenizers.Tokenizer
	inputNames []string

	task      string
	labels    []string
	maskToken string
	vocabSize int
}

func LoadOnnxPipeline(modelDir string, args *ModelArgs) (Pipeline, error) {
	if args.Task != TaskTextClassification && args.Task != TaskFillMask {
		return nil, fmt.Errorf("task %s is not supported by the onnx runtime", args.Task)
	}

	modelPath := onnxModelPath(modelDir)
	if modelPath == "" {
		return nil, fmt.Errorf("no onnx export found under %s", modelDir)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("error reading onnx model info: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("onnx model %s has no outputs", modelPath)
	}
	inputNames := make([]string, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
	}

	tokenizerBytes, err := os.ReadFile(filepath.Join(modelDir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("error reading tokenizer: %w", err)
	}
	var tk *tokenizers.Tokenizer
	if args.MaxLength > 0 {
		tk, err = tokenizers.FromBytesWithTruncation(tokenizerBytes, uint32(args.MaxLength), tokenizers.TruncationDirectionRight)
	} else {
		tk, err = tokenizers.FromBytes(tokenizerBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("tokenizer load: %w", err)
	}

	pipeline := &OnnxPipeline{
		tokenizer:  tk,
		inputNames: inputNames,
		task:       args.Task,
		vocabSize:  int(tk.VocabSize()),
	}

	switch args.Task {
	case TaskTextClassification:
		config, err := hub.LoadModelConfig(modelDir)
		if err != nil {
			tk.Close()
			return nil, err
		}
		labels, err := config.OrderedLabels()
		if err != nil {
			tk.Close()
			return nil, err
		}
		pipeline.labels = labels
	case TaskFillMask:
		pipeline.maskToken = defaultMaskToken
		if config, err := hub.LoadTokenizerConfig(modelDir); err == nil && config.MaskToken != "" {
			pipeline.maskToken = config.MaskToken
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		inputNames,
		[]string{outputs[0].Name},
		nil,
	)
	if err != nil {
		tk.Close()
		return nil, fmt.Errorf("failed to create onnx session: %w", err)
	}
	pipeline.session = session

	return pipeline, nil
}

func (p *OnnxPipeline) Run(ctx context.Context, texts []string, args *ModelArgs) ([][]map[string]any, error) {
	results := make([][]map[string]any, len(texts))
	for i, text := range texts {
		var result []map[string]any
		var err error
		switch p.task {
		case TaskTextClassification:
			result, err = p.runClassification(text, topKOr(args.TopK, defaultClassificationTopK))
		case TaskFillMask:
			result, err = p.runFillMask(text, topKOr(args.TopK, defaultFillMaskTopK))
		default:
			err = fmt.Errorf("task %s is not supported by the onnx runtime", p.task)
		}
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

func (p *OnnxPipeline) runClassification(text string, topK int) ([]map[string]any, error) {
	enc := p.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAllAttributes())

	logits, err := p.forward(enc, ort.NewShape(1, int64(len(p.labels))))
	if err != nil {
		return nil, err
	}

	probs := softmax(logits)
	order := argsortDesc(probs)
	if topK < len(order) {
		order = order[:topK]
	}

	result := make([]map[string]any, 0, len(order))
	for _, idx := range order {
		result = append(result, map[string]any{
			"label": p.labels[idx],
			"score": float64(probs[idx]),
		})
	}
	return result, nil
}

func (p *OnnxPipeline) runFillMask(text string, topK int) ([]map[string]any, error) {
	enc := p.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAllAttributes())

	maskIdx := -1
	for i, token := range enc.Tokens {
		if token == p.maskToken {
			maskIdx = i
			break
		}
	}
	if maskIdx < 0 {
		return nil, fmt.Errorf("no %s token found in input", p.maskToken)
	}

	seqLen := len(enc.IDs)
	flat, err := p.forward(enc, ort.NewShape(1, int64(seqLen), int64(p.vocabSize)))
	if err != nil {
		return nil, err
	}

	probs := softmax(flat[maskIdx*p.vocabSize : (maskIdx+1)*p.vocabSize])
	order := argsortDesc(probs)
	if topK < len(order) {
		order = order[:topK]
	}

	result := make([]map[string]any, 0, len(order))
	for _, idx := range order {
		ids := make([]uint32, seqLen)
		copy(ids, enc.IDs)
		ids[maskIdx] = uint32(idx)
		result = append(result, map[string]any{
			"sequence":  p.tokenizer.Decode(ids, true),
			"score":     float64(probs[idx]),
			"token":     idx,
			"token_str": p.tokenizer.Decode([]uint32{uint32(idx)}, false),
		})
	}
	return result, nil
}

// forward runs the model over one encoded text and returns a copy of the
// flattened output.
func (p *OnnxPipeline) forward(enc tokenizers.Encoding, outShape ort.Shape) ([]float32, error) {
	seqLen := int64(len(enc.IDs))

	inputs := make([]ort.Value, 0, len(p.inputNames))
	defer func() {
		for _, tensor := range inputs {
			tensor.Destroy()
		}
	}()
	for _, name := range p.inputNames {
		var data []int64
		switch name {
		case "input_ids":
			data = toInt64(enc.IDs)
		case "attention_mask":
			data = toInt64(enc.AttentionMask)
		case "token_type_ids":
			data = toInt64(enc.TypeIDs)
		default:
			return nil, fmt.Errorf("unsupported model input %q", name)
		}
		tensor, err := ort.NewTensor(ort.NewShape(1, seqLen), data)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, tensor)
	}

	outT, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, err
	}
	defer outT.Destroy()

	if err := p.session.Run(inputs, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	flat := outT.GetData()
	out := make([]float32, len(flat))
	copy(out, flat)
	return out, nil
}

func (p *OnnxPipeline) Release() {
	p.session.Destroy()
	p.tokenizer.Close()
}

func topKOr(topK, fallback int) int {
	if topK > 0 {
		return topK
	}
	return fallback
}

func toInt64(values []uint32) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}

func softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	var sum float64
	exps := make([]float32, len(logits))
	for i, v := range logits {
		e := math.Exp(float64(v - max))
		exps[i] = float32(e)
		sum += e
	}
	for i := range exps {
		exps[i] = float32(float64(exps[i]) / sum)
	}
	return exps
}

func argsortDesc(values []float32) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })
	return order
}
