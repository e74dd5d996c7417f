package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDevCommand() *cobra.Command {
	dev := &cobra.Command{
		Use:   "dev",
		Short: "Developer convenience commands",
	}
	dev.AddCommand(newDevWatchCommand())
	return dev
}

func newDevWatchCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "watch <module>",
		Short: "Re-run a module every time its file changes",
		Long: `Watch re-runs "mashin run" against module whenever the file changes
on disk, debouncing rapid successive writes the way an editor's
save-on-every-keystroke would otherwise trigger.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchModule(cmd.Context(), args[0], dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "run with --dry-run on every change")
	return cmd
}

func watchModule(ctx context.Context, modulePath string, dryRun bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(modulePath)); err != nil {
		return fmt.Errorf("watching %s: %w", modulePath, err)
	}

	log.Info().Str("module", modulePath).Msg("watching module for changes")
	if err := runModule(ctx, modulePath, dryRun); err != nil {
		log.Error().Err(err).Msg("run failed")
	}

	const debounce = 300 * time.Millisecond
	var timer *time.Timer
	trigger := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(modulePath) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")

		case <-trigger:
			log.Info().Str("module", modulePath).Msg("module changed, re-running")
			if err := runModule(ctx, modulePath, dryRun); err != nil {
				log.Error().Err(err).Msg("run failed")
			}
		}
	}
}
