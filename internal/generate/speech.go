package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

const (
	DefaultElevenLabsURL   = "https://api.elevenlabs.io"
	DefaultElevenLabsModel = "eleven_multilingual_v2"
	DefaultSpeechCommand   = "gtts-cli"
)

// ElevenLabsSynthesizer calls the ElevenLabs text-to-speech endpoint.
type ElevenLabsSynthesizer struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewElevenLabsSynthesizer(apiKey, baseURL, model string, timeout time.Duration) *ElevenLabsSynthesizer {
	if baseURL == "" {
		baseURL = DefaultElevenLabsURL
	}
	if model == "" {
		model = DefaultElevenLabsModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ElevenLabsSynthesizer{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	LanguageCode  string        `json:"language_code,omitempty"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) (*Speech, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, jobs.NewError(jobs.KindValidation, "narration text is empty")
	}
	if req.VoiceID == "" {
		return nil, jobs.NewError(jobs.KindValidation, "no voice id resolved").WithContext("voice_type", req.VoiceType)
	}

	body, err := json.Marshal(elevenLabsRequest{
		Text:          req.Text,
		ModelID:       s.model,
		LanguageCode:  baseLanguage(req.Language),
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, UseSpeakerBoost: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal speech request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", s.baseURL, req.VoiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build speech request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, "elevenlabs", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(ctx, "elevenlabs", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("elevenlabs", resp.StatusCode, data)
	}
	if len(data) < minPayloadBytes {
		return nil, jobs.NewError(jobs.KindTransient, fmt.Sprintf("speech response too small (%d bytes)", len(data)))
	}
	return &Speech{Audio: data, Ext: extensionFor(resp.Header.Get("Content-Type"), ".mp3"), Provider: "elevenlabs"}, nil
}

// CommandSynthesizer runs a gTTS-compatible CLI. The text goes through a
// file so narration never reaches the argument list.
type CommandSynthesizer struct {
	command string
	tempDir string
}

func NewCommandSynthesizer(command, tempDir string) *CommandSynthesizer {
	if command == "" {
		command = DefaultSpeechCommand
	}
	return &CommandSynthesizer{command: command, tempDir: tempDir}
}

// Available reports whether the command can be found.
func (s *CommandSynthesizer) Available() bool {
	_, err := exec.LookPath(s.command)
	return err == nil
}

func commandArgs(textFile, lang, outFile string) []string {
	return []string{"--file", textFile, "--lang", lang, "--output", outFile}
}

func (s *CommandSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) (*Speech, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, jobs.NewError(jobs.KindValidation, "narration text is empty")
	}
	bin, err := exec.LookPath(s.command)
	if err != nil {
		return nil, jobs.WrapError(err, jobs.KindResource, "speech command not found").WithContext("command", s.command)
	}

	dir, err := os.MkdirTemp(s.tempDir, "tts-*")
	if err != nil {
		return nil, jobs.WrapError(err, jobs.KindResource, "create speech work dir")
	}
	defer os.RemoveAll(dir)

	textFile := filepath.Join(dir, "narration.txt")
	outFile := filepath.Join(dir, "speech.mp3")
	if err := os.WriteFile(textFile, []byte(req.Text), 0o600); err != nil {
		return nil, jobs.WrapError(err, jobs.KindResource, "write narration text")
	}

	cmd := exec.CommandContext(ctx, bin, commandArgs(textFile, baseLanguage(req.Language), outFile)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// the CLI talks to a remote service, so failures are usually transient
		return nil, jobs.TransientError(err, "speech command failed").WithContext("stderr", tail(stderr.String(), 300))
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		return nil, jobs.WrapError(err, jobs.KindResource, "speech command produced no output")
	}
	if len(data) == 0 {
		return nil, jobs.NewError(jobs.KindTransient, "speech command produced an empty file")
	}
	return &Speech{Audio: data, Ext: ".mp3", Provider: "gtts"}, nil
}

// AutoSynthesizer prefers the primary provider and falls back to the
// secondary one when the primary is missing or fails.
type AutoSynthesizer struct {
	Primary  Synthesizer
	Fallback Synthesizer
}

func (a AutoSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) (*Speech, error) {
	if a.Primary == nil {
		if a.Fallback == nil {
			return nil, jobs.NewError(jobs.KindValidation, "no speech provider configured")
		}
		return a.Fallback.Synthesize(ctx, req)
	}
	speech, err := a.Primary.Synthesize(ctx, req)
	if err == nil || a.Fallback == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return speech, err
	}
	log.Warn("Primary speech provider failed, falling back: %v", err)
	return a.Fallback.Synthesize(ctx, req)
}

// baseLanguage reduces a tag such as "pt-BR" to the base code providers accept.
func baseLanguage(lang string) string {
	if lang == "" || lang == jobs.LanguageAuto {
		lang = jobs.DefaultLanguage
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return jobs.DefaultLanguage
	}
	base, _ := tag.Base()
	return base.String()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
