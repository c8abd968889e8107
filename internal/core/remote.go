package core

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// RemoteConfig points generation tasks at an OpenAI-compatible endpoint
// instead of running the model locally.
type RemoteConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

func (c RemoteConfig) Configured() bool {
	return c.APIKey != "" || c.BaseURL != ""
}

// RemotePipeline serves translation, summarization, and text2text models by
// delegating to a chat completion endpoint.
type RemotePipeline struct {
	client openai.Client
	model  string
	task   string
}

func LoadRemotePipeline(config RemoteConfig, args *ModelArgs) (Pipeline, error) {
	switch args.Task {
	case TaskTranslation, TaskSummarization, TaskText2TextGeneration:
	default:
		return nil, fmt.Errorf("task %s is not supported by the remote backend", args.Task)
	}
	if !config.Configured() {
		return nil, errors.New("no remote endpoint configured")
	}

	var opts []option.RequestOption
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}

	model := config.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}

	return &RemotePipeline{
		client: openai.NewClient(opts...),
		model:  model,
		task:   args.Task,
	}, nil
}

func (p *RemotePipeline) Run(ctx context.Context, texts []string, args *ModelArgs) ([][]map[string]any, error) {
	field := remoteResultField(p.task)
	results := make([][]map[string]any, len(texts))
	for i, text := range texts {
		output, err := p.generate(ctx, text, args)
		if err != nil {
			return nil, err
		}
		results[i] = []map[string]any{{field: output}}
	}
	return results, nil
}

func (p *RemotePipeline) generate(ctx context.Context, text string, args *ModelArgs) (string, error) {
	req := openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(remoteTaskPrompt(args)),
			openai.UserMessage(text),
		},
	}
	if args.MaxOutputLength > 0 {
		req.MaxTokens = openai.Int(int64(args.MaxOutputLength))
	}

	res, err := p.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("remote generation failed: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", errors.New("remote endpoint returned no choices")
	}
	return res.Choices[0].Message.Content, nil
}

func (p *RemotePipeline) Release() {}

func remoteTaskPrompt(args *ModelArgs) string {
	switch args.Task {
	case TaskTranslation:
		return fmt.Sprintf("Translate the user's text from %s to %s. Reply with the translation only.", args.LangInput, args.LangOutput)
	case TaskSummarization:
		return fmt.Sprintf("Summarize the user's text in %d to %d words. Reply with the summary only.", args.MinOutputLength, args.MaxOutputLength)
	default:
		return "Follow the instruction in the user's text. Reply with the output only."
	}
}

func remoteResultField(task string) string {
	switch task {
	case TaskTranslation:
		return "translation_text"
	case TaskSummarization:
		return "summary_text"
	default:
		return "generated_text"
	}
}
