// Package pipeline runs the external analysis pipeline that writes report
// bodies. The pipeline is opaque: it receives a data source description
// and prints a Markdown report on stdout.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ethpandaops/reportvault/pkg/config"
	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/sirupsen/logrus"
)

const (
	// maxStderr bounds how much stderr is quoted in an error.
	maxStderr = 2048

	// waitDelay bounds how long output pipes are drained after the
	// pipeline is killed, in case it left children holding them.
	waitDelay = 5 * time.Second
)

// ErrNotConfigured is returned when no pipeline command is set.
var ErrNotConfigured = errors.New("pipeline command not configured")

// Request describes the data source to analyze.
type Request struct {
	SourceType report.SourceKind
	FilePath   string
	TableNames []string
}

// Runner executes one analysis run and returns the report body.
type Runner interface {
	Run(ctx context.Context, req Request) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (string, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// commandRunner runs a configured executable.
type commandRunner struct {
	log     logrus.FieldLogger
	command []string
	timeout time.Duration
	env     map[string]string
}

var _ Runner = (*commandRunner)(nil)

// NewCommandRunner creates a Runner that executes cfg.Command with the
// request appended as flags:
//
//	<command...> --source-type <kind> [--file-path <path>] [--table <name>]...
func NewCommandRunner(
	log logrus.FieldLogger,
	cfg *config.PipelineConfig,
) (Runner, error) {
	if len(cfg.Command) == 0 {
		return nil, ErrNotConfigured
	}

	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, err
	}

	return &commandRunner{
		log:     log.WithField("component", "pipeline"),
		command: cfg.Command,
		timeout: timeout,
		env:     cfg.Env,
	}, nil
}

func (r *commandRunner) Run(ctx context.Context, req Request) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := append([]string{}, r.command[1:]...)
	args = append(args, Args(req)...)

	//nolint:gosec // the command comes from operator configuration.
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	cmd.Env = os.Environ()
	cmd.WaitDelay = waitDelay

	for k, v := range r.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.WithFields(logrus.Fields{
		"command":     r.command[0],
		"source_type": req.SourceType,
	}).Info("Running analysis pipeline")

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("running pipeline: %w", ctxErr)
		}

		return "", fmt.Errorf("running pipeline: %w: %s", err, tail(stderr.String(), maxStderr))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", fmt.Errorf("running pipeline: empty output")
	}

	return out, nil
}

// Args renders req as command-line flags.
func Args(req Request) []string {
	args := []string{"--source-type", string(req.SourceType)}

	if req.FilePath != "" {
		args = append(args, "--file-path", req.FilePath)
	}

	for _, name := range req.TableNames {
		args = append(args, "--table", name)
	}

	return args
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}

	return "..." + s[len(s)-n:]
}
