package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// Generated is the structured output of one provider call.
type Generated struct {
	Title    string `json:"title"`
	Year     int    `json:"year"`
	Director string `json:"director,omitempty"`
	Text     string `json:"text"`
	Model    string `json:"-"`
}

// GenerationProvider produces content for a slug. The orchestrator treats it
// as opaque: either structured data comes back or an error does, and the
// error message drives classification.
type GenerationProvider interface {
	Generate(ctx context.Context, kind Kind, slug string, ref *Reference) (*Generated, error)
}

var (
	_generateModel   = "gpt-4o-mini"
	_generateTimeout = 60 * time.Second

	// Rate-limit retries with exponential backoff.
	_generateMaxRetries  = 3
	_generateBaseBackoff = 2 * time.Second
	_generateMaxBackoff  = 32 * time.Second
)

// openAIProvider generates content with the OpenAI chat completions API.
type openAIProvider struct {
	client openai.Client
	model  string
}

var _ GenerationProvider = (*openAIProvider)(nil)

// NewOpenAIProvider creates a provider with the given API key. An empty
// model selects the default.
func NewOpenAIProvider(apiKey, model string) (GenerationProvider, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key not set")
	}
	if model == "" {
		model = _generateModel
	}
	return &openAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

// Generate asks the model for a JSON document describing the slug. All
// failures are reported as "AI API returned error" so the ledger classifies
// them as AI_API_ERROR.
func (p *openAIProvider) Generate(ctx context.Context, kind Kind, slug string, ref *Reference) (*Generated, error) {
	ctx, cancel := context.WithTimeout(ctx, _generateTimeout)
	defer cancel()

	completion, err := p.completeWithRetry(ctx, prompt(kind, slug, ref))
	if err != nil {
		return nil, fmt.Errorf("AI API returned error: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("AI API returned error: no completion choices")
	}

	var gen Generated
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &gen); err != nil {
		return nil, fmt.Errorf("AI API returned error: malformed response: %w", err)
	}
	gen.Model = string(completion.Model)

	return &gen, nil
}

func (p *openAIProvider) completeWithRetry(ctx context.Context, prompt string) (*openai.ChatCompletion, error) {
	var lastErr error

	for attempt := 0; attempt <= _generateMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := min(time.Duration(math.Pow(2, float64(attempt-1)))*_generateBaseBackoff, _generateMaxBackoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: shared.ChatModel(p.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
			},
		})
		if err != nil {
			lastErr = err
			if isRateLimited(err) {
				continue
			}
			return nil, err
		}
		return completion, nil
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

func isRateLimited(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

// prompt builds the generation prompt. Verified reference data, when
// available, pins the model to the real title and year.
func prompt(kind Kind, slug string, ref *Reference) string {
	subject := "movie"
	field := "a plot description"
	switch kind {
	case KindPerson:
		subject = "film-industry person"
		field = "a biography"
	case KindTvSeries:
		subject = "TV series"
		field = "a plot description"
	case KindTvShow:
		subject = "TV show"
		field = "a plot description"
	}

	p := fmt.Sprintf(
		`Respond with a JSON object with keys "title", "year", "director" and "text" describing the %s identified by the slug %q. "text" holds %s of 2-4 paragraphs.`,
		subject, slug, field)
	if ref != nil {
		p += fmt.Sprintf(" Verified reference data: title %q, year %d.", ref.Title, ref.Year)
	}
	return p
}
