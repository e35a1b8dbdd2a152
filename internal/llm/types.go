package llm

import (
	"fmt"
)

// Message represents a chat message
//
// Role: "system", "user", or "assistant"
// Content: Text content of the message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat asks the provider for a constrained output shape.
// Type: "text" or "json_object"
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatRequest represents a chat completion request
// Compatible with OpenAI API format
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ChatResponse represents a chat completion response
// Compatible with OpenAI API format
//
// ID: Unique identifier for the response
// Model: Model used for the response
// Choices: Array of completion choices
// Usage: Token usage statistics
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Error   *Error   `json:"error,omitempty"`
}

// Choice represents a completion choice
//
// FinishReason values: "stop", "length", "content_filter"
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Error represents an API error
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    any    `json:"code,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("LLM API Error: %s (type: %s, code: %v)", e.Message, e.Type, e.Code)
}

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
	API        *Error
}

func (e *StatusError) Error() string {
	if e.API != nil && e.API.Message != "" {
		return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.API.Message)
	}
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.API == nil {
		return nil
	}
	return e.API
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ChatCompletionOptions represents options for chat completion
//
// SystemPrompt: System prompt to set context
// MaxTokens: Maximum tokens for the response
// Temperature: Temperature for the response
// JSON: Request a JSON object response
type ChatCompletionOptions struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	JSON         bool
}

// NewChatCompletionOptions creates a new chat completion options with defaults
func NewChatCompletionOptions() *ChatCompletionOptions {
	return &ChatCompletionOptions{
		MaxTokens:   0, // Use config default
		Temperature: 0.7,
	}
}

// WithSystemPrompt sets the system prompt
func (o *ChatCompletionOptions) WithSystemPrompt(prompt string) *ChatCompletionOptions {
	o.SystemPrompt = prompt
	return o
}

// WithMaxTokens sets the max tokens
func (o *ChatCompletionOptions) WithMaxTokens(maxTokens int) *ChatCompletionOptions {
	o.MaxTokens = maxTokens
	return o
}

// WithTemperature sets the temperature
func (o *ChatCompletionOptions) WithTemperature(temperature float64) *ChatCompletionOptions {
	o.Temperature = temperature
	return o
}

// WithJSON asks for a JSON object response
func (o *ChatCompletionOptions) WithJSON() *ChatCompletionOptions {
	o.JSON = true
	return o
}
