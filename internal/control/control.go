// internal/control/control.go
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/YaganovValera/analytics-system/ingestor/internal/pipeline"
)

// ErrUnknownCommand is returned for anything but start, stop and restart.
var ErrUnknownCommand = errors.New("control: unknown command")

// Command — операция жизненного цикла конвейера.
type Command string

const (
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandRestart Command = "restart"
)

// ParseCommand normalizes s into a Command.
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case CommandStart, CommandStop, CommandRestart:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
}

// Controller is the lifecycle surface of *pipeline.Coordinator.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() pipeline.Status
}

var _ Controller = (*pipeline.Coordinator)(nil)

// Dispatch maps cmd 1:1 onto ctl.
func Dispatch(ctx context.Context, ctl Controller, cmd Command) error {
	switch cmd {
	case CommandStart:
		return ctl.Start(ctx)
	case CommandStop:
		return ctl.Stop(ctx)
	case CommandRestart:
		return ctl.Restart(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

// message is the JSON body of a control-topic record.
type message struct {
	Command string `json:"command"`
}

// DecodeMessage parses {"command":"restart"}.
func DecodeMessage(b []byte) (Command, error) {
	var m message
	if err := json.Unmarshal(b, &m); err != nil {
		return "", fmt.Errorf("control: decode message: %w", err)
	}
	return ParseCommand(m.Command)
}
