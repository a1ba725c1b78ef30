package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweep removes request scopes whose directory has not been modified within
// retention. It returns the number of scopes removed.
func (w *Workspace) Sweep(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("listing workspace: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	var removed int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(w.dir, e.Name())); err != nil {
			log.Warn().Err(err).Str("scope", e.Name()).Msg("failed to remove expired scope")
			continue
		}
		removed++
	}
	return removed, nil
}

// RunJanitor sweeps expired scopes every interval until ctx is done.
func (w *Workspace) RunJanitor(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := w.Sweep(retention)
			if err != nil {
				log.Warn().Err(err).Msg("workspace sweep failed")
			} else if n > 0 {
				log.Info().Int("count", n).Msg("removed expired workspace scopes")
			}
		case <-ctx.Done():
			return
		}
	}
}
