package deployment

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/salon/internal/conversation"
	"github.com/salon/internal/retry"
)

// Provider names a langchaingo backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderCohere Provider = "cohere"
	ProviderOllama Provider = "ollama"
)

// Options configures a Connector.
type Options struct {
	Provider          Provider
	APIKey            string
	BaseURL           string
	Model             string
	Temperature       float64
	MaxTokens         int
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Config
}

// Connector is a Deployment backed by a langchaingo model.
type Connector struct {
	llm     llms.Model
	options Options
	prompts PromptSource
	limiter *rate.Limiter
}

// NewConnector builds the langchaingo client for options.Provider.
func NewConnector(ctx context.Context, options Options, prompts PromptSource) (*Connector, error) {
	log.Debug().
		Str("provider", string(options.Provider)).
		Str("model", options.Model).
		Float64("temperature", options.Temperature).
		Msg("Creating deployment connector")

	var (
		model llms.Model
		err   error
	)
	switch options.Provider {
	case ProviderOpenAI:
		model, err = newOpenAI(options)
	case ProviderGemini:
		model, err = newGemini(ctx, options)
	case ProviderClaude:
		model, err = newAnthropic(options)
	case ProviderCohere:
		model, err = newCohere(options)
	case ProviderOllama:
		model, err = newOllama(options)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return NewConnectorWithModel(model, options, prompts), nil
}

// NewConnectorWithModel wraps an already constructed model.
func NewConnectorWithModel(model llms.Model, options Options, prompts PromptSource) *Connector {
	limit := rate.Inf
	if options.RequestsPerSecond > 0 {
		limit = rate.Limit(options.RequestsPerSecond)
	}
	burst := options.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Connector{
		llm:     model,
		options: options,
		prompts: prompts,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func newOpenAI(options Options) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(options.Model),
		openai.WithToken(options.APIKey),
	}
	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}
	return openai.New(opts...)
}

func newGemini(ctx context.Context, options Options) (llms.Model, error) {
	opts := []googleai.Option{googleai.WithAPIKey(options.APIKey)}
	if options.Model != "" {
		opts = append(opts, googleai.WithDefaultModel(options.Model))
	}
	return googleai.New(ctx, opts...)
}

func newAnthropic(options Options) (llms.Model, error) {
	return anthropic.New(
		anthropic.WithToken(options.APIKey),
		anthropic.WithModel(options.Model),
	)
}

func newCohere(options Options) (llms.Model, error) {
	opts := []cohere.Option{
		cohere.WithToken(options.APIKey),
		cohere.WithModel(options.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, cohere.WithBaseURL(options.BaseURL))
	}
	return cohere.New(opts...)
}

func newOllama(options Options) (llms.Model, error) {
	if options.BaseURL == "" {
		options.BaseURL = "http://localhost:11434"
	}
	return ollama.New(
		ollama.WithServerURL(options.BaseURL),
		ollama.WithModel(options.Model),
	)
}

func (c *Connector) callOptions(req ChatRequest, extra ...llms.CallOption) []llms.CallOption {
	temperature := c.options.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	opts := []llms.CallOption{llms.WithTemperature(temperature)}
	if c.options.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.options.MaxTokens))
	}
	if c.options.Provider == ProviderGemini && c.options.Model != "" {
		opts = append(opts, llms.WithModel(c.options.Model))
	}
	return append(opts, extra...)
}

// messages lays out system prompt, history and the new user message.
func (c *Connector) messages(req ChatRequest) []llms.MessageContent {
	var out []llms.MessageContent
	if c.prompts != nil {
		if prompt := c.prompts.SystemPrompt(req.AgentID); prompt != "" {
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, prompt))
		}
	}
	for _, h := range req.ChatHistory {
		out = append(out, llms.TextParts(messageType(h.Role), h.Message))
	}
	return append(out, llms.TextParts(llms.ChatMessageTypeHuman, req.Message))
}

func messageType(role conversation.ChatRole) llms.ChatMessageType {
	switch role {
	case conversation.ChatRoleChatbot:
		return llms.ChatMessageTypeAI
	case conversation.ChatRoleSystem:
		return llms.ChatMessageTypeSystem
	default:
		return llms.ChatMessageTypeHuman
	}
}

// ChatStream streams one reply. The provider pushes chunks from its
// streaming callback; Push turns that into a pull-based Stream.
func (c *Connector) ChatStream(ctx context.Context, req ChatRequest) (Stream, error) {
	messages := c.messages(req)

	return Push(ctx, func(ctx context.Context, emit EmitFunc) error {
		if err := emit(StreamStart{GenerationID: uuid.NewString()}); err != nil {
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var reply strings.Builder
		resp, err := c.llm.GenerateContent(ctx, messages, c.callOptions(req,
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				reply.Write(chunk)
				return emit(TextGeneration{Text: string(chunk)})
			}),
		)...)
		if err != nil {
			return fmt.Errorf("failed to generate content: %w", err)
		}

		history := make([]conversation.HistoryEntry, 0, len(req.ChatHistory)+2)
		history = append(history, req.ChatHistory...)
		history = append(history,
			conversation.HistoryEntry{Role: conversation.ChatRoleUser, Message: req.Message},
			conversation.HistoryEntry{Role: conversation.ChatRoleChatbot, Message: reply.String()},
		)

		return emit(StreamEnd{
			Text:         reply.String(),
			FinishReason: finishReason(resp),
			ChatHistory:  history,
		})
	}), nil
}

// Chat answers a single prompt without streaming, retrying transient
// failures.
func (c *Connector) Chat(ctx context.Context, req ChatRequest) (string, error) {
	messages := c.messages(req)

	var answer string
	result := retry.Do(ctx, c.options.Retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		resp, err := c.llm.GenerateContent(ctx, messages, c.callOptions(req)...)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return retry.Permanent(fmt.Errorf("empty response from model"))
		}
		answer = resp.Choices[0].Content
		return nil
	})
	if !result.Success {
		return "", fmt.Errorf("failed to generate content after %d attempts: %w", result.Attempts, result.LastError)
	}
	return answer, nil
}

// SearchStream asks the model for citations in each document in turn and
// emits one SearchResults event per document.
func (c *Connector) SearchStream(ctx context.Context, req SearchRequest) (Stream, error) {
	return Push(ctx, func(ctx context.Context, emit EmitFunc) error {
		if err := emit(StreamStart{GenerationID: uuid.NewString()}); err != nil {
			return err
		}

		for _, doc := range req.Documents {
			citations, err := c.searchDocument(ctx, req.Query, doc)
			if err != nil {
				return fmt.Errorf("failed to search interview %s: %w", doc.ID, err)
			}
			log.Debug().
				Str("interview_id", doc.ID).
				Int("citations", len(citations.Zitate)).
				Msg("Search results received")
			if err := emit(SearchResults{Results: citations, SourceID: doc.ID}); err != nil {
				return err
			}
		}

		return emit(StreamEnd{FinishReason: FinishComplete, ChatHistory: []conversation.HistoryEntry{}})
	}), nil
}

func (c *Connector) searchDocument(ctx context.Context, query string, doc Document) (CitationList, error) {
	prompt := SearchPrompt(query, doc)

	var citations CitationList
	result := retry.Do(ctx, c.options.Retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		answer, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt,
			c.callOptions(ChatRequest{}, llms.WithJSONMode())...)
		if err != nil {
			return err
		}
		citations, err = ParseCitations(answer)
		return err
	})
	if !result.Success {
		return CitationList{}, result.LastError
	}
	return citations, nil
}

func finishReason(resp *llms.ContentResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return FinishComplete
	}
	switch strings.ToLower(resp.Choices[0].StopReason) {
	case "", "stop", "end_turn", "complete", "stop_sequence", "eos":
		return FinishComplete
	case "length", "max_tokens":
		return FinishMaxTokens
	default:
		return strings.ToUpper(resp.Choices[0].StopReason)
	}
}

// SearchPrompt instructs the model to quote the passages of doc that answer
// query, as JSON.
func SearchPrompt(query string, doc Document) string {
	var b strings.Builder
	b.WriteString("# TASK\n")
	b.WriteString("You are given the transcript of an interview and a question. ")
	b.WriteString("Quote up to 10 passages from the transcript that help answer the question. ")
	b.WriteString("Copy every passage verbatim and rate how well it answers the question with a ")
	b.WriteString("confidence_score strictly between 0 and 1.\n\n")
	b.WriteString("Respond with JSON only, in this shape:\n")
	b.WriteString(`{"zitate": [{"text": "...", "confidence_score": 0.8}]}`)
	b.WriteString("\n\n## INTERVIEW")
	if doc.Title != "" {
		b.WriteString(": " + doc.Title)
	}
	b.WriteString("\n" + doc.Text + "\n## END INTERVIEW\n\n")
	b.WriteString("# QUESTION\n" + query + "\n")
	return b.String()
}
