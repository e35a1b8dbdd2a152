package generate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

const DefaultImageBaseURL = "https://image.pollinations.ai"

// HTTPImageGenerator renders images through a prompt-in-path HTTP API
// (Pollinations and compatible gateways). No key is needed.
type HTTPImageGenerator struct {
	baseURL    string
	model      string
	userAgent  string
	httpClient *http.Client
}

type ImageOption func(*HTTPImageGenerator)

func WithImageModel(model string) ImageOption {
	return func(g *HTTPImageGenerator) {
		if model != "" {
			g.model = model
		}
	}
}

func WithImageHTTPClient(c *http.Client) ImageOption {
	return func(g *HTTPImageGenerator) {
		if c != nil {
			g.httpClient = c
		}
	}
}

func NewHTTPImageGenerator(baseURL string, timeout time.Duration, opts ...ImageOption) *HTTPImageGenerator {
	if baseURL == "" {
		baseURL = DefaultImageBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	g := &HTTPImageGenerator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      "flux",
		userAgent:  "aivideo/1.0",
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Seed is deterministic per scene so a retried scene renders the same picture.
func Seed(sceneIndex int) int {
	return sceneIndex*42 + 7
}

func (g *HTTPImageGenerator) requestURL(req ImageRequest) string {
	q := url.Values{}
	q.Set("width", fmt.Sprint(req.Width))
	q.Set("height", fmt.Sprint(req.Height))
	q.Set("nologo", "true")
	q.Set("model", g.model)
	q.Set("seed", fmt.Sprint(Seed(req.SceneIndex)))
	return g.baseURL + "/prompt/" + url.PathEscape(req.Prompt) + "?" + q.Encode()
}

func (g *HTTPImageGenerator) GenerateImage(ctx context.Context, req ImageRequest) ([]byte, string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, "", jobs.NewError(jobs.KindValidation, "image prompt is empty").WithContext("scene", req.SceneIndex)
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, "", jobs.NewError(jobs.KindValidation, "image size must be positive").WithContext("scene", req.SceneIndex)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.requestURL(req), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build image request: %w", err)
	}
	httpReq.Header.Set("User-Agent", g.userAgent)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", classifyTransport(ctx, "image generator", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", classifyTransport(ctx, "image generator", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyStatus("image generator", resp.StatusCode, data)
	}
	if len(data) < minPayloadBytes {
		return nil, "", jobs.NewError(jobs.KindTransient, fmt.Sprintf("image response too small (%d bytes)", len(data))).
			WithContext("scene", req.SceneIndex)
	}

	log.Debug("Image for scene %d received (%d bytes)", req.SceneIndex, len(data))
	return data, extensionFor(resp.Header.Get("Content-Type"), ".jpg"), nil
}
