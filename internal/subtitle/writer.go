package subtitle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// WriteSRT renders cues in SubRip format, numbered from 1 in order.
func WriteSRT(w io.Writer, cues []Cue) error {
	writer := bufio.NewWriter(w)
	for i, cue := range cues {
		if _, err := fmt.Fprintf(writer, "%d\n%s --> %s\n%s\n\n",
			i+1, formatDuration(cue.Start), formatDuration(cue.End), cue.Text); err != nil {
			return err
		}
	}
	return writer.Flush()
}

func EncodeSRT(cues []Cue) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteSRT(&buf, cues); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func EncodeJSON(track *Track) ([]byte, error) {
	if track == nil {
		return nil, fmt.Errorf("subtitle track is empty")
	}
	return json.MarshalIndent(track, "", "  ")
}

func DecodeJSON(data []byte) (*Track, error) {
	var track Track
	if err := json.Unmarshal(data, &track); err != nil {
		return nil, fmt.Errorf("decode subtitle track: %w", err)
	}
	return &track, nil
}

// formatDuration formats time.Duration to SRT time format
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	milliseconds := int(d.Milliseconds()) % 1000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, milliseconds)
}
