package jobs

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/language"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusPending, StatusCompleted, StatusFailed, StatusCancelled},
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type VoiceProvider string

const (
	VoiceProviderAuto       VoiceProvider = "auto"
	VoiceProviderElevenLabs VoiceProvider = "elevenlabs"
	VoiceProviderGTTS       VoiceProvider = "gtts"
)

type VoiceType string

const (
	VoiceNarrator VoiceType = "narrator"
	VoiceMale     VoiceType = "male"
	VoiceFemale   VoiceType = "female"
	VoiceChild    VoiceType = "child"
)

type VideoFormat string

const (
	FormatStandard VideoFormat = "standard"
	FormatVertical VideoFormat = "vertical"
)

type EffectsPreset string

const (
	EffectsProfessional EffectsPreset = "professional"
	EffectsCinematic    EffectsPreset = "cinematic"
	EffectsDynamic      EffectsPreset = "dynamic"
	EffectsSubtle       EffectsPreset = "subtle"
	EffectsNone         EffectsPreset = "none"
)

type ImagePreset string

const (
	ImagePresetNone       ImagePreset = "none"
	ImagePreset3DCartoon  ImagePreset = "3d_cartoon"
	ImagePresetRealistic  ImagePreset = "realistic"
	ImagePresetAnime      ImagePreset = "anime"
	ImagePresetDigitalArt ImagePreset = "digital_art"
)

// LanguageAuto asks the pipeline to detect the narration language.
const LanguageAuto = "auto"

const DefaultLanguage = "pt"

// Input is what a client submits to create a job.
type Input struct {
	Theme         string        `json:"theme,omitempty"`
	Script        string        `json:"script,omitempty"`
	ImagePrompts  []string      `json:"image_prompts,omitempty"`
	SceneCount    int           `json:"scene_count,omitempty"`
	VoiceProvider VoiceProvider `json:"voice_provider"`
	VoiceType     VoiceType     `json:"voice_type"`
	Language      string        `json:"language"`
	VideoFormat   VideoFormat   `json:"video_format"`
	EffectsPreset EffectsPreset `json:"effects_preset"`
	ImagePreset   ImagePreset   `json:"image_preset"`
}

// Normalize fills defaults and folds aliases ("tiktok" is the vertical format).
func (in *Input) Normalize() {
	in.Theme = strings.TrimSpace(in.Theme)
	in.Script = strings.TrimSpace(in.Script)
	if in.VoiceProvider == "" {
		in.VoiceProvider = VoiceProviderAuto
	}
	if in.VoiceType == "" {
		in.VoiceType = VoiceNarrator
	}
	if strings.TrimSpace(in.Language) == "" {
		in.Language = DefaultLanguage
	}
	in.Language = strings.TrimSpace(in.Language)
	switch strings.ToLower(string(in.VideoFormat)) {
	case "", string(FormatStandard):
		in.VideoFormat = FormatStandard
	case "tiktok", "shorts", string(FormatVertical):
		in.VideoFormat = FormatVertical
	}
	if in.EffectsPreset == "" {
		in.EffectsPreset = EffectsProfessional
	}
	if in.ImagePreset == "" {
		in.ImagePreset = ImagePresetNone
	}
}

// Validate reports the first problem with a normalized input.
func (in Input) Validate() error {
	if in.Theme == "" && in.Script == "" {
		return NewError(KindValidation, "either theme or script is required")
	}
	if in.SceneCount < 0 || in.SceneCount > 30 {
		return NewError(KindValidation, "scene_count must be between 0 and 30")
	}
	switch in.VoiceProvider {
	case VoiceProviderAuto, VoiceProviderElevenLabs, VoiceProviderGTTS:
	default:
		return NewError(KindValidation, "unsupported voice_provider").WithContext("voice_provider", in.VoiceProvider)
	}
	switch in.VoiceType {
	case VoiceNarrator, VoiceMale, VoiceFemale, VoiceChild:
	default:
		return NewError(KindValidation, "unsupported voice_type").WithContext("voice_type", in.VoiceType)
	}
	switch in.VideoFormat {
	case FormatStandard, FormatVertical:
	default:
		return NewError(KindValidation, "unsupported video_format").WithContext("video_format", in.VideoFormat)
	}
	switch in.EffectsPreset {
	case EffectsProfessional, EffectsCinematic, EffectsDynamic, EffectsSubtle, EffectsNone:
	default:
		return NewError(KindValidation, "unsupported effects_preset").WithContext("effects_preset", in.EffectsPreset)
	}
	switch in.ImagePreset {
	case ImagePresetNone, ImagePreset3DCartoon, ImagePresetRealistic, ImagePresetAnime, ImagePresetDigitalArt:
	default:
		return NewError(KindValidation, "unsupported image_preset").WithContext("image_preset", in.ImagePreset)
	}
	if in.Language != LanguageAuto {
		if _, err := language.Parse(in.Language); err != nil {
			return WrapError(err, KindValidation, "invalid language tag").WithContext("language", in.Language)
		}
	}
	return nil
}

// Scene is the canonical unit every stage consumes. NarrationText is the only
// field read for speech and subtitles.
type Scene struct {
	Index         int    `json:"index"`
	NarrationText string `json:"narration_text"`
	ImagePrompt   string `json:"image_prompt"`
	Character     string `json:"character,omitempty"`
	Voice         string `json:"voice,omitempty"`
}

type ArtifactKind string

const (
	ArtifactScript   ArtifactKind = "script"
	ArtifactImage    ArtifactKind = "image"
	ArtifactAudio    ArtifactKind = "audio"
	ArtifactSubtitle ArtifactKind = "subtitle"
	ArtifactVideo    ArtifactKind = "video"
)

type Artifact struct {
	Kind       ArtifactKind `json:"kind"`
	JobID      string       `json:"job_id"`
	SceneIndex *int         `json:"scene_index,omitempty"`
	Path       string       `json:"path"`
}

type ErrorRecord struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Job is the durable record shared by the queue and the registry.
type Job struct {
	ID          string       `json:"id"`
	Input       Input        `json:"input"`
	Status      Status       `json:"status"`
	Progress    int          `json:"progress"`
	CurrentStep string       `json:"current_step"`
	Error       *ErrorRecord `json:"error,omitempty"`
	Warnings    []string     `json:"warnings,omitempty"`
	Artifacts   []Artifact   `json:"artifacts,omitempty"`
	VideoPath   string       `json:"video_path,omitempty"`

	Attempts       int       `json:"attempts"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	Acked          bool      `json:"acked"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Version is bumped by the store on every successful write.
	Version int64 `json:"-"`
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	tmp := *j
	tmp.Input.ImagePrompts = append([]string(nil), j.Input.ImagePrompts...)
	tmp.Warnings = append([]string(nil), j.Warnings...)
	tmp.Artifacts = append([]Artifact(nil), j.Artifacts...)
	if j.Error != nil {
		e := *j.Error
		tmp.Error = &e
	}
	return &tmp
}

// Claimable reports whether a worker may lease the job at now.
func (j *Job) Claimable(now time.Time) bool {
	if j.Acked {
		return false
	}
	switch j.Status {
	case StatusPending, StatusRunning, StatusCancelled:
		return j.LeaseExpiresAt.Before(now)
	}
	return false
}

// restart returns the job to pending for a new attempt. Progress starts over
// since the next run reports its stages again from the beginning.
func (j *Job) restart(step string) {
	j.Status = StatusPending
	j.Progress = 0
	j.CurrentStep = step
}

func (j *Job) releaseLease() {
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
}

// Snapshot is the externally visible projection of a job.
type Snapshot struct {
	ID          string       `json:"id"`
	Status      Status       `json:"status"`
	Progress    int          `json:"progress"`
	CurrentStep string       `json:"current_step"`
	Error       *ErrorRecord `json:"error,omitempty"`
	Warnings    []string     `json:"warnings,omitempty"`
	VideoReady  bool         `json:"video_ready"`
	Input       Input        `json:"input"`
	Attempts    int          `json:"attempts"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		ID:          j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		Warnings:    append([]string(nil), j.Warnings...),
		VideoReady:  j.Status == StatusCompleted && j.VideoPath != "",
		Input:       j.Input,
		Attempts:    j.Attempts,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.Status == StatusFailed && j.Error != nil {
		e := *j.Error
		s.Error = &e
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidID reports whether id is usable as a job id. Ids name the job's
// artifact directory, so they must be a single safe path segment.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && !strings.Contains(id, "..")
}

type EnqueueRequest struct {
	// ID is optional; a random id is generated when empty.
	ID    string
	Input Input
}

type ListOptions struct {
	Status   Status
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

func (o ListOptions) normalized() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
	return o
}

// Offset is the zero-based row offset of the page.
func (o ListOptions) Offset() int {
	o = o.normalized()
	return (o.Page - 1) * o.PageSize
}

type Page struct {
	Items    []Snapshot `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}
