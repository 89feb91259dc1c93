package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/runway/pkg/config"
	"github.com/openfroyo/runway/pkg/policy"
)

const watchDebounce = 300 * time.Millisecond

func newWatchCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-validate whenever configuration or policies change",
		Long: `Watch the CUE configuration and the configured policy paths and re-run
validation on every change. Policy files are reloaded into the policy
engine before validating. Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			ctx := cmd.Context()
			eng, err := s.policyEngine(ctx)
			if err != nil {
				return err
			}

			w := &validationWatcher{session: s, engine: eng, out: cmd.OutOrStdout()}
			w.revalidate(ctx)

			if paths := s.policyPaths(); len(paths) > 0 {
				loader := policy.NewLoader(*s.logger.Zerolog())
				err := loader.Watch(ctx, paths, func(policies []policy.Policy) error {
					if err := eng.ReloadPolicies(ctx, policies); err != nil {
						fmt.Fprintf(w.out, "✗ policy reload failed: %v\n", err)
						return err
					}
					fmt.Fprintf(w.out, "» reloaded %d policies\n", len(policies))
					w.revalidate(ctx)
					return nil
				})
				if err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
				defer loader.StopWatching()
			}

			return w.watchConfig(ctx, s.baseDir)
		},
	}

	return cmd
}

// validationWatcher serializes re-validation triggered by config and policy changes.
type validationWatcher struct {
	mu      sync.Mutex
	session *session
	engine  *policy.Engine
	out     io.Writer
}

func (w *validationWatcher) revalidate(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.session
	fmt.Fprintf(w.out, "\n[%s] validating %s\n", time.Now().Format(time.TimeOnly), s.opts.configPath)

	parsed, err := config.NewParser().Parse(ctx, []string{s.opts.configPath})
	if err != nil {
		fmt.Fprintf(w.out, "✗ %v\n", err)
		return
	}
	if parsed.HasErrors() {
		for _, e := range parsed.Errors {
			fmt.Fprintf(w.out, "✗ %s\n", e.Error())
		}
		return
	}
	s.parsed = parsed

	var eng *policy.Engine
	if s.policySettings().Enabled {
		eng = w.engine
	}
	reports, err := validateEnvironments(ctx, s, eng)
	if err != nil {
		fmt.Fprintf(w.out, "✗ %v\n", err)
		return
	}
	if printReports(w.out, s.policySettings(), reports) {
		fmt.Fprintln(w.out, "✗ policy violations found")
		return
	}
	fmt.Fprintln(w.out, "✓ configuration is valid")
}

// watchConfig re-validates on .cue changes under dir until ctx is done.
func (w *validationWatcher) watchConfig(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.session.logger.Info().Str("dir", dir).Msg("Watching configuration")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".cue") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() { w.revalidate(ctx) })
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.session.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}
