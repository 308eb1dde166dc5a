package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PullRequestInc/go-gpt3"
	"github.com/igolaizola/igochat/pkg/memory"
	"github.com/rs/zerolog"
)

// Kind tags the outcome of a single completion attempt.
type Kind int

const (
	Success Kind = iota
	RateLimited
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RateLimited:
		return "rate-limited"
	default:
		return "fatal"
	}
}

// Result is the outcome of a single completion attempt.
type Result struct {
	Kind Kind
	Text string
	Err  error
}

// Completer issues one completion request.
type Completer interface {
	Complete(ctx context.Context, turns []memory.Turn) Result
}

type Client struct {
	gpt3.Client
	model     string
	maxTokens int
	log       zerolog.Logger
}

// Option customizes the underlying gpt3 client.
type Option = gpt3.ClientOption

// New returns a new Client.
func New(key, model string, maxTokens int, timeout time.Duration, httpClient *http.Client, logger zerolog.Logger, opts ...Option) *Client {
	var options []gpt3.ClientOption
	if httpClient != nil {
		options = append(options, gpt3.WithHTTPClient(httpClient))
	}
	if timeout > 0 {
		options = append(options, gpt3.WithTimeout(timeout))
	}
	options = append(options, opts...)
	return &Client{
		Client:    gpt3.NewClient(key, options...),
		model:     model,
		maxTokens: maxTokens,
		log:       logger,
	}
}

// WithBaseURL points the client to an OpenAI compatible endpoint.
func WithBaseURL(u string) Option {
	return gpt3.WithBaseURL(u)
}

// Complete sends the turns and classifies the outcome.
func (c *Client) Complete(ctx context.Context, turns []memory.Turn) Result {
	req := gpt3.ChatCompletionRequest{
		Model:    c.model,
		Messages: toRequest(turns),
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}
	completion, err := c.ChatCompletion(ctx, req)
	if err != nil {
		if isRateLimited(err) {
			return Result{Kind: RateLimited, Err: fmt.Errorf("openai: rate limited: %w", err)}
		}
		return Result{Kind: Fatal, Err: fmt.Errorf("openai: couldn't generate completion: %w", err)}
	}
	if len(completion.Choices) == 0 {
		return Result{Kind: Fatal, Err: errors.New("openai: no choices")}
	}
	c.log.Debug().Int("tokens", completion.Usage.TotalTokens).Msg("openai: request tokens")
	return Result{Kind: Success, Text: completion.Choices[0].Message.Content}
}

func isRateLimited(err error) bool {
	var apiErr gpt3.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	var apiErrPtr *gpt3.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func toRequest(input []memory.Turn) []gpt3.ChatCompletionRequestMessage {
	var output []gpt3.ChatCompletionRequestMessage
	for _, t := range input {
		output = append(output, gpt3.ChatCompletionRequestMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}
	return output
}
