// Package voice records a short spoken defect note and returns its
// transcript.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Outcome says what a recording attempt produced.
type Outcome int

const (
	Transcribed Outcome = iota
	NoSpeech
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Transcribed:
		return "transcribed"
	case NoSpeech:
		return "no_speech"
	default:
		return "unavailable"
	}
}

// Result carries the transcript when Outcome is Transcribed.
type Result struct {
	Outcome    Outcome
	Transcript string
}

// Recorder records to audioPath and transcribes the note.
type Recorder interface {
	Record(ctx context.Context, audioPath string) (Result, error)
}

// Disabled is the recorder used when no voice tooling is configured.
type Disabled struct{}

func (Disabled) Record(context.Context, string) (Result, error) {
	return Result{Outcome: Unavailable}, nil
}

// AudioPlaceholder in a command's arguments is replaced by the audio path.
const AudioPlaceholder = "{audio}"

// Command runs an external record-and-transcribe helper. The helper writes
// the recording to the audio path and prints the transcript on stdout.
type Command struct {
	argv []string
}

// NewRecorder returns a Command for argv, or Disabled when argv is empty.
func NewRecorder(argv []string) Recorder {
	if len(argv) == 0 || argv[0] == "" {
		return Disabled{}
	}
	return &Command{argv: append([]string(nil), argv...)}
}

func (c *Command) Record(ctx context.Context, audioPath string) (Result, error) {
	args := make([]string, 0, len(c.argv)-1)
	for _, a := range c.argv[1:] {
		args = append(args, strings.ReplaceAll(a, AudioPlaceholder, audioPath))
	}
	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{Outcome: Unavailable}, nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Result{}, fmt.Errorf("voice helper: %w: %s", err, msg)
		}
		return Result{}, fmt.Errorf("voice helper: %w", err)
	}

	transcript := strings.TrimSpace(stdout.String())
	if transcript == "" {
		return Result{Outcome: NoSpeech}, nil
	}
	return Result{Outcome: Transcribed, Transcript: transcript}, nil
}
