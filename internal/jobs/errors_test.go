package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "typed", err: NewError(KindSecurity, "bad path"), want: KindSecurity},
		{name: "wrapped typed", err: fmt.Errorf("stage: %w", AssemblyError(assert.AnError, "ffmpeg exited 1")), want: KindResource},
		{name: "lease", err: fmt.Errorf("heartbeat: %w", ErrLeaseExpired), want: KindLeaseExpired},
		{name: "cancelled", err: ErrCancelled, want: KindCancelled},
		{name: "not found", err: ErrNotFound, want: KindValidation},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTransient},
		{name: "plain", err: errors.New("disk full"), want: KindInternal},
		{name: "nil", err: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryableAndExhausted(t *testing.T) {
	transient := TransientError(assert.AnError, "rate limited")
	assert.True(t, Retryable(transient))
	assert.True(t, Retryable(errors.New("sqlite busy")))
	assert.False(t, Retryable(SyncValidationError("no cues")))
	assert.False(t, Retryable(SecurityViolationError("path escapes root")))
	assert.False(t, Retryable(ErrLeaseExpired))

	exhausted := MarkExhausted(transient)
	assert.True(t, Exhausted(exhausted))
	assert.False(t, Retryable(exhausted))
	assert.Equal(t, KindTransient, KindOf(exhausted))
	assert.False(t, Exhausted(transient), "original error must not be modified")

	plain := MarkExhausted(errors.New("x"))
	assert.True(t, Exhausted(plain))
	assert.Equal(t, KindInternal, KindOf(plain))
}

func TestError_MessageAndRecord(t *testing.T) {
	err := AssemblyError(errors.New("exit status 1"), "mux failed").WithContext("output", "/data/j/video.mp4")
	assert.Equal(t, "[resource] video: mux failed | context: output=/data/j/video.mp4 | cause: exit status 1", err.Error())
	assert.ErrorIs(t, fmt.Errorf("wrap: %w", err), err.Cause)

	rec := Record(fmt.Errorf("stage 5: %w", err))
	require.NotNil(t, rec)
	assert.Equal(t, KindResource, rec.Kind)
	assert.Equal(t, "video: mux failed", rec.Message)
}

func TestSafeExecute_RecoversPanic(t *testing.T) {
	err := SafeExecute(func() error {
		var m map[string]int
		m["boom"] = 1
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Contains(t, err.Error(), "runtime error")
}

func TestRecord_TruncatesOnRuneBoundary(t *testing.T) {
	msg := strings.Repeat("é", 300)
	rec := Record(NewError(KindValidation, msg))
	require.NotNil(t, rec)
	assert.True(t, utf8.ValidString(rec.Message))
	assert.Equal(t, strings.Repeat("é", 240)+"...", rec.Message)
}
