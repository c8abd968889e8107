package hub

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ModelConfig is the subset of a transformers config.json relevant to serving.
type ModelConfig struct {
	ModelType             string            `json:"model_type"`
	Architectures         []string          `json:"architectures"`
	Id2Label              map[string]string `json:"id2label"`
	MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	MaxLength             int               `json:"max_length"`
}

func LoadModelConfig(dir string) (*ModelConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}

	var config ModelConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}

	return &config, nil
}

// OrderedLabels returns the config's labels in id order.
func (c *ModelConfig) OrderedLabels() ([]string, error) {
	labels := make([]string, len(c.Id2Label))
	for i := range labels {
		label, ok := c.Id2Label[strconv.Itoa(i)]
		if !ok {
			return nil, fmt.Errorf("model config id2label is missing id %d", i)
		}
		labels[i] = label
	}
	return labels, nil
}

type TokenizerConfig struct {
	MaskToken string
}

// LoadTokenizerConfig reads tokenizer_config.json. The mask_token field is a
// plain string for most tokenizers but an added-token object for some.
func LoadTokenizerConfig(dir string) (*TokenizerConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer config: %w", err)
	}

	var raw struct {
		MaskToken json.RawMessage `json:"mask_token"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer config: %w", err)
	}

	config := &TokenizerConfig{}
	if len(raw.MaskToken) > 0 {
		var token string
		if err := json.Unmarshal(raw.MaskToken, &token); err == nil {
			config.MaskToken = token
		} else {
			var added struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal(raw.MaskToken, &added); err != nil {
				return nil, fmt.Errorf("failed to parse tokenizer mask token: %w", err)
			}
			config.MaskToken = added.Content
		}
	}

	return config, nil
}
