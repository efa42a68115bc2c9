package authn

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the policy at path whenever the file changes, until ctx is
// cancelled. The containing directory is watched so that editors and config
// management tools which replace the file by rename are picked up. A policy
// that fails to load is logged and the previous one stays active.
func (a *PolicyAuthenticator) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	a.log.Info().Str("path", path).Msg("Watching policy for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			a.reload(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Error().Err(err).Str("path", path).Msg("Policy watcher error")
		}
	}
}

func (a *PolicyAuthenticator) reload(path string) {
	p, err := LoadPolicy(path)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to reload policy, keeping previous policy")
		return
	}

	a.Update(p)

	a.log.Info().
		Str("path", path).
		Int("users", len(p.Users)).
		Int("certificates", len(p.Certificates)).
		Str("default", p.Default).
		Msg("Reloaded policy")
}
