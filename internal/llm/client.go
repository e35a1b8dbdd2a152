package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client represents a generic LLM API client
// Thread-safe for concurrent use
//
// config: Configuration for the LLM API
// httpClient: HTTP client for API requests
// baseURL: Base URL for the LLM API
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new LLM client with the given configuration
//
// Returns a new Client instance or an error if configuration is invalid
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client := &Client{
		config:  config,
		baseURL: strings.TrimRight(config.APIURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
	}

	return client, nil
}

// ChatCompletion creates a chat completion request to the configured LLM API
//
// Example:
//
//	messages := []llm.Message{
//		{Role: "user", Content: "Write five scenes about lighthouses"},
//	}
//	response, err := client.ChatCompletion(ctx, messages, nil)
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, opts *ChatCompletionOptions) (*ChatResponse, error) {
	if opts == nil {
		opts = NewChatCompletionOptions()
	}

	if opts.SystemPrompt != "" {
		systemMessage := Message{
			Role:    "system",
			Content: opts.SystemPrompt,
		}
		messages = append([]Message{systemMessage}, messages...)
	}

	request := ChatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.getMaxTokens(opts),
		Temperature: c.getTemperature(opts),
	}
	if opts.JSON {
		request.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	response, err := c.makeRequest(ctx, http.MethodPost, "/chat/completions", request)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}

	return response, nil
}

// Complete sends a single user prompt and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, prompt string, opts *ChatCompletionOptions) (string, error) {
	response, err := c.ChatCompletion(ctx, []Message{{Role: "user", Content: prompt}}, opts)
	if err != nil {
		return "", err
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return response.Choices[0].Message.Content, nil
}

// makeRequest makes a raw HTTP request to the configured LLM API
func (c *Client) makeRequest(ctx context.Context, method, path string, payload interface{}) (*ChatResponse, error) {
	url := c.baseURL + path

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.config.headers() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, fmt.Errorf("request timed out: %w", err)
		}
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var chatResponse ChatResponse
	parseErr := json.Unmarshal(responseBody, &chatResponse)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(responseBody), 512), API: chatResponse.Error}
	}
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse response: %w", parseErr)
	}
	if chatResponse.Error != nil && chatResponse.Error.Message != "" {
		return nil, chatResponse.Error
	}

	return &chatResponse, nil
}

// getMaxTokens returns the max tokens to use for the request
func (c *Client) getMaxTokens(opts *ChatCompletionOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return c.config.MaxTokens
}

// getTemperature returns the temperature to use for the request
func (c *Client) getTemperature(opts *ChatCompletionOptions) float64 {
	if opts.Temperature >= 0 && opts.Temperature <= 2 {
		return opts.Temperature
	}
	return c.config.Temperature
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
