package generate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

// minPayloadBytes guards against providers answering 200 with an error page.
const minPayloadBytes = 100

// classifyStatus maps an HTTP failure to an error kind: throttling and
// server errors are worth retrying, other client errors are not.
func classifyStatus(provider string, code int, body []byte) error {
	msg := fmt.Sprintf("%s returned HTTP %d", provider, code)
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		msg += ": " + snippet
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		return jobs.NewError(jobs.KindTransient, msg).WithContext("status", code)
	}
	return jobs.NewError(jobs.KindValidation, msg).WithContext("status", code)
}

// classifyTransport wraps a failed round trip. Cancellation is passed
// through untouched so the caller sees the context error.
func classifyTransport(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return jobs.TransientError(err, provider+" request failed")
}

func extensionFor(contentType, fallback string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return ".png"
	case strings.Contains(ct, "webp"):
		return ".webp"
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return ".jpg"
	case strings.Contains(ct, "mpeg"), strings.Contains(ct, "mp3"):
		return ".mp3"
	case strings.Contains(ct, "wav"):
		return ".wav"
	}
	return fallback
}
