// Package controls reads and changes camera parameters through v4l2-ctl.
package controls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

var (
	ErrControlNotFound = errors.New("control not supported")
	ErrInvalid         = errors.New("invalid control request")
	ErrUnavailable     = errors.New("control tool unavailable")
)

// Channel is the camera control surface exposed over HTTP.
type Channel interface {
	List(ctx context.Context) (map[string]Control, error)
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
}

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError carries the stderr of a failed command.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, &CommandError{Args: append([]string{name}, args...), Stderr: stderr.String(), Err: err}
	}
	return out, nil
}

var (
	validName  = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	validValue = regexp.MustCompile(`^-?[a-zA-Z0-9_.]+$`)
)

// V4L2Ctl drives one device through the v4l2-ctl tool.
type V4L2Ctl struct {
	Device string
	Tool   string
	Runner Runner
}

func NewV4L2Ctl(device string) *V4L2Ctl {
	return &V4L2Ctl{Device: device, Tool: "v4l2-ctl", Runner: ExecRunner{Timeout: 3 * time.Second}}
}

func (c *V4L2Ctl) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := c.Runner.Run(ctx, c.Tool, append([]string{"-d", c.Device}, args...)...)
	if err == nil {
		return out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (c *V4L2Ctl) List(ctx context.Context) (map[string]Control, error) {
	out, err := c.run(ctx, "--list-ctrls")
	if err != nil {
		return nil, err
	}
	return ParseList(string(out)), nil
}

func (c *V4L2Ctl) Get(ctx context.Context, name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("%w: name %q", ErrInvalid, name)
	}
	out, err := c.run(ctx, "--get-ctrl", name)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrControlNotFound, err)
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrControlNotFound, name)
	}
	if _, value, ok := strings.Cut(text, ":"); ok {
		return strings.TrimSpace(value), nil
	}
	return text, nil
}

func (c *V4L2Ctl) Set(ctx context.Context, name, value string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: name %q", ErrInvalid, name)
	}
	if !validValue.MatchString(value) {
		return fmt.Errorf("%w: value %q", ErrInvalid, value)
	}
	if _, err := c.run(ctx, "--set-ctrl", name+"="+value); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}
