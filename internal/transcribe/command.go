// Package transcribe turns a local audio file into text by running an
// external speech-to-text command.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Transcriber converts the audio at path to text.
type Transcriber interface {
	Transcribe(ctx context.Context, path, language string) (string, error)
}

// commandResult is one finished process run.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for tests.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Command runs argv with {input} and {language} substituted. When argv has
// no {input} placeholder the audio path is appended. The transcript is the
// command's trimmed stdout.
type Command struct {
	argv   []string
	runner commandRunner
}

// NewCommand builds a Command from argv, e.g.
// ["whisper-cli", "--language", "{language}", "{input}"].
func NewCommand(argv []string) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("transcribe command is empty")
	}
	return &Command{argv: argv, runner: execRunner{}}, nil
}

// Transcribe implements Transcriber.
func (c *Command) Transcribe(ctx context.Context, path, language string) (string, error) {
	args := make([]string, 0, len(c.argv))
	hasInput := false
	for _, a := range c.argv[1:] {
		if strings.Contains(a, "{input}") {
			hasInput = true
		}
		a = strings.ReplaceAll(a, "{input}", path)
		a = strings.ReplaceAll(a, "{language}", language)
		args = append(args, a)
	}
	if !hasInput {
		args = append(args, path)
	}

	res, err := c.runner.Run(ctx, c.argv[0], args...)
	if err != nil {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%s exited with code %d: %s", c.argv[0], res.ExitCode, detail)
	}
	text := strings.TrimSpace(res.Stdout)
	if text == "" {
		return "", fmt.Errorf("%s produced an empty transcript", c.argv[0])
	}
	return text, nil
}
