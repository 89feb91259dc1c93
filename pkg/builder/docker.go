// Package builder builds and pushes container images with the docker CLI.
package builder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/openfroyo/runway/pkg/engine"
)

var digestPattern = regexp.MustCompile(`sha256:[a-f0-9]{64}`)

// Push failures whose stderr contains one of these are not retried.
var permanentPushErrors = []string{
	"denied",
	"unauthorized",
	"name unknown",
	"does not exist",
}

// RetryConfig controls push retries.
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry settings used when none are given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTries:        4,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// Options configures a DockerBuilder.
type Options struct {
	// Binary is the docker executable. Defaults to "docker".
	Binary string

	// Runner executes commands. Defaults to an ExecRunner.
	Runner Runner

	// Retry controls push retries. Zero values use DefaultRetryConfig.
	Retry RetryConfig

	// Logger receives structured logs. Nil disables logging.
	Logger *zerolog.Logger
}

// DockerBuilder implements engine.ImageBuilder and engine.ImagePusher.
type DockerBuilder struct {
	binary string
	runner Runner
	retry  RetryConfig
	logger zerolog.Logger
}

// NewDockerBuilder creates a builder.
func NewDockerBuilder(opts Options) *DockerBuilder {
	b := &DockerBuilder{
		binary: opts.Binary,
		runner: opts.Runner,
		retry:  opts.Retry,
		logger: zerolog.Nop(),
	}
	if b.binary == "" {
		b.binary = "docker"
	}
	if b.runner == nil {
		b.runner = &ExecRunner{}
	}
	defaults := DefaultRetryConfig()
	if b.retry.MaxTries == 0 {
		b.retry.MaxTries = defaults.MaxTries
	}
	if b.retry.InitialInterval == 0 {
		b.retry.InitialInterval = defaults.InitialInterval
	}
	if b.retry.MaxInterval == 0 {
		b.retry.MaxInterval = defaults.MaxInterval
	}
	if opts.Logger != nil {
		b.logger = opts.Logger.With().Str("component", "builder").Logger()
	}
	return b
}

// Build implements engine.ImageBuilder.
func (b *DockerBuilder) Build(ctx context.Context, req engine.BuildRequest) (string, error) {
	if req.Reference == "" {
		return "", fmt.Errorf("image reference is required")
	}

	args := []string{"build"}
	if req.Platform != "" {
		args = append(args, "--platform", req.Platform)
	}
	contextPath := req.ContextPath
	if contextPath == "" {
		contextPath = "."
	}
	args = append(args, "-t", req.Reference, contextPath)

	b.logger.Info().Str("node_id", req.NodeID).Str("reference", req.Reference).Msg("Building image")

	result, err := b.runner.Run(ctx, "", b.binary, args...)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", commandError("build", result)
	}

	b.logger.Info().
		Str("reference", req.Reference).
		Dur("duration", result.Duration).
		Msg("Image built")
	return req.Reference, nil
}

// Push implements engine.ImagePusher. Failed pushes are retried with
// exponential backoff unless the registry rejected the credentials or the
// repository.
func (b *DockerBuilder) Push(ctx context.Context, imageRef string) (string, error) {
	if imageRef == "" {
		return "", fmt.Errorf("image reference is required")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.retry.InitialInterval
	policy.MaxInterval = b.retry.MaxInterval

	attempt := 0
	push := func() (string, error) {
		attempt++
		result, err := b.runner.Run(ctx, "", b.binary, "push", imageRef)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if result.ExitCode != 0 {
			err := commandError("push", result)
			if isPermanentPushError(result.Stderr) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if digest := digestPattern.FindString(result.Stdout); digest != "" {
			return digest, nil
		}
		return b.inspectDigest(ctx, imageRef)
	}

	digest, err := backoff.Retry(ctx, push,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(b.retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn().Err(err).
				Str("reference", imageRef).
				Int("attempt", attempt).
				Dur("retry_in", next).
				Msg("Push failed, retrying")
		}),
	)
	if err != nil {
		return "", fmt.Errorf("push %s failed after %d attempt(s): %w", imageRef, attempt, err)
	}

	b.logger.Info().Str("reference", imageRef).Str("digest", digest).Msg("Image pushed")
	return digest, nil
}

// inspectDigest reads the repo digest of a pushed image when push output did not print it.
func (b *DockerBuilder) inspectDigest(ctx context.Context, imageRef string) (string, error) {
	result, err := b.runner.Run(ctx, "", b.binary,
		"image", "inspect", "--format", "{{range .RepoDigests}}{{println .}}{{end}}", imageRef)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	if result.ExitCode != 0 {
		return "", backoff.Permanent(commandError("inspect", result))
	}
	if digest := digestPattern.FindString(result.Stdout); digest != "" {
		return digest, nil
	}
	return "", backoff.Permanent(fmt.Errorf("no digest reported for %s", imageRef))
}

func isPermanentPushError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range permanentPushErrors {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func commandError(op string, result *Result) error {
	msg := strings.TrimSpace(result.Stderr)
	if lines := strings.Split(msg, "\n"); len(lines) > 5 {
		msg = strings.Join(lines[len(lines)-5:], "\n")
	}
	if msg == "" {
		return fmt.Errorf("docker %s exited with code %d", op, result.ExitCode)
	}
	return fmt.Errorf("docker %s exited with code %d: %s", op, result.ExitCode, msg)
}

var (
	_ engine.ImageBuilder    = (*DockerBuilder)(nil)
	_ engine.ImagePusher     = (*DockerBuilder)(nil)
	_ engine.ArtifactBuilder = (*DockerBuilder)(nil)
)
