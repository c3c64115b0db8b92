package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// ExitError reports a decoder that exited with a non-zero status. The
// code is propagated so callers can mirror it as their own exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("decoder exited with status %d", e.Code)
}

// Subprocess runs the decoder as a child process with pipes on stdin
// and stdout. Stderr goes wherever the caller pointed it, usually a
// log file.
type Subprocess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// StartSubprocess launches argv[0] with the remaining arguments. The
// process is killed when ctx is cancelled.
func StartSubprocess(ctx context.Context, argv []string, stderr io.Writer) (*Subprocess, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty decoder command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting decoder: %w", err)
	}
	log.Info().Strs("argv", argv).Int("pid", cmd.Process.Pid).Msg("decoder started")
	return &Subprocess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (s *Subprocess) Stdin() io.WriteCloser { return s.stdin }
func (s *Subprocess) Stdout() io.Reader     { return s.stdout }

// Wait blocks until the process exits and maps a non-zero status to
// ExitError.
func (s *Subprocess) Wait() error {
	err := s.cmd.Wait()
	if err == nil {
		return nil
	}
	var xerr *exec.ExitError
	if errors.As(err, &xerr) {
		log.Error().Int("code", xerr.ExitCode()).Msg("decoder failed")
		return &ExitError{Code: xerr.ExitCode()}
	}
	return fmt.Errorf("waiting for decoder: %w", err)
}
