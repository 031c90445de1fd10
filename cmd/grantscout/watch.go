package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/go-core/log"
)

// settle is how long the master must stay quiet before a rerun. Spreadsheet
// tools write a file in several bursts.
const settle = 250 * time.Millisecond

func newWatchCmd(a *app) *cobra.Command {
	var o triageOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rerun triage every time the master file is saved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), a.logger, cmd.OutOrStdout(), o, nil)
		},
	}
	o.bind(cmd)
	return cmd
}

// runWatch triages once, then again after each settled write to o.in, until
// ctx is done. ready, when non-nil, is closed once the watcher is armed.
func runWatch(ctx context.Context, L log.Logger, w io.Writer, o triageOptions, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// watch the directory so atomic saves (write temp, rename over) are seen
	target, err := filepath.Abs(o.in)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	L.Info(ctx, "watching master for changes", "path", target)

	rerun := func() {
		if err := runTriage(ctx, L, w, o); err != nil {
			L.Error(ctx, err, "triage failed, waiting for next save", "path", target)
			fmt.Fprintf(w, "triage failed: %v\n", err)
		}
	}
	rerun()
	if ready != nil {
		close(ready)
	}

	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != target || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(settle)

		case <-timer.C:
			L.Info(ctx, "master changed, rerunning triage", "path", target)
			rerun()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			L.Error(ctx, err, "watcher error")
		}
	}
}
