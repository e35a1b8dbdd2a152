package llm

import (
	"errors"
	"fmt"
)

// Config points the client at an OpenAI-compatible chat endpoint. Timeout is
// in seconds.
type Config struct {
	APIKey      string
	APIURL      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     int

	// SiteURL and AppName identify the caller to OpenRouter.
	SiteURL string
	AppName string
}

// Validate reports every problem at once so a bad environment is fixed in
// one go.
func (c *Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if c.APIURL == "" {
		errs = append(errs, errors.New("api url is required"))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("max tokens must be positive, got %d", c.MaxTokens))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be within [0, 2], got %g", c.Temperature))
	}
	if c.Timeout < 1 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %d", c.Timeout))
	}
	return errors.Join(errs...)
}

func (c *Config) headers() map[string]string {
	h := map[string]string{
		"Authorization": "Bearer " + c.APIKey,
		"Content-Type":  "application/json",
	}
	if c.SiteURL != "" {
		h["HTTP-Referer"] = c.SiteURL
	}
	if c.AppName != "" {
		h["X-Title"] = c.AppName
	}
	return h
}
