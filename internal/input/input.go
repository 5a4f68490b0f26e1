// Package input turns key names from the station keypad into operator
// events. An external reader owns the raw keyboard device and writes one key
// name per line to a FIFO or to our stdin.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Event is an operator action requested from the keypad.
type Event int

const (
	Capture Event = iota + 1
	FlagDefect
	FlagPotential
	CompletePiece
)

func (e Event) String() string {
	switch e {
	case Capture:
		return "capture"
	case FlagDefect:
		return "flag_defect"
	case FlagPotential:
		return "flag_potential"
	case CompletePiece:
		return "complete_piece"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

var keymap = map[string]Event{
	"space": Capture,
	"c":     Capture,
	"d":     FlagDefect,
	"p":     FlagPotential,
	"enter": CompletePiece,
	"n":     CompletePiece,
}

// Lookup resolves a key name to its event.
func Lookup(key string) (Event, bool) {
	ev, ok := keymap[strings.ToLower(strings.TrimSpace(key))]
	return ev, ok
}

// LineSource reads key names line by line.
type LineSource struct {
	r      io.Reader
	closer io.Closer
	name   string
}

// Open opens path for reading; "-" means stdin. A missing device is an error
// the agent treats as fatal.
func Open(path string) (*LineSource, error) {
	if path == "" || path == "-" {
		return &LineSource{r: os.Stdin, name: "stdin"}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", path, err)
	}
	return &LineSource{r: f, closer: f, name: path}, nil
}

// NewLineSource wraps an arbitrary reader.
func NewLineSource(r io.Reader) *LineSource {
	return &LineSource{r: r, name: "reader"}
}

// Close releases the underlying device.
func (s *LineSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Run calls handle for each recognised key until ctx is cancelled or the
// source reaches EOF. Unknown keys are logged and ignored.
func (s *LineSource) Run(ctx context.Context, handle func(context.Context, Event)) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		readErr <- err
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				log.Printf("input: %s closed", s.name)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			ev, ok := Lookup(line)
			if !ok {
				log.Printf("input: unmapped key=%q", line)
				continue
			}
			handle(ctx, ev)
		}
	}
}
