package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cue-voice-lab/internal/logging"
)

type entry struct {
	jsonPath  string
	audioPath string
	mod       time.Time
}

// Clean removes chunk pairs older than the retention window, then the
// oldest pairs beyond MaxFiles. It returns how many pairs were removed.
func (a *Archive) Clean(now time.Time) (int, error) {
	if a == nil {
		return 0, nil
	}
	files, err := os.ReadDir(a.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var entries []entry
	for _, fi := range files {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(a.Dir, name)
		st, err := os.Stat(jsonPath)
		if err != nil {
			continue
		}
		e := entry{jsonPath: jsonPath, mod: st.ModTime()}
		if b, err := os.ReadFile(jsonPath); err == nil {
			var sc Sidecar
			if json.Unmarshal(b, &sc) == nil {
				e.audioPath = sc.AudioPath
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod.Before(entries[j].mod) })

	removed := 0
	remove := func(e entry) {
		_ = os.Remove(e.jsonPath)
		if e.audioPath != "" {
			_ = os.Remove(e.audioPath)
		}
		removed++
	}
	kept := entries[:0]
	if a.Retention > 0 {
		cutoff := now.Add(-a.Retention)
		for _, e := range entries {
			if e.mod.Before(cutoff) {
				remove(e)
				continue
			}
			kept = append(kept, e)
		}
	} else {
		kept = entries
	}
	if a.MaxFiles > 0 && len(kept) > a.MaxFiles {
		for _, e := range kept[:len(kept)-a.MaxFiles] {
			remove(e)
		}
	}
	return removed, nil
}

// StartCleaner runs Clean every Interval until ctx is done. Callers must
// wg.Add(1) first; the goroutine calls wg.Done on exit.
func (a *Archive) StartCleaner(ctx context.Context, wg *sync.WaitGroup) {
	if a == nil || a.Interval <= 0 {
		wg.Done()
		return
	}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(a.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				n, err := a.Clean(now)
				if err != nil {
					logging.Debugw("archive: cleanup failed", "dir", a.Dir, "err", err)
					continue
				}
				if n > 0 {
					logging.Infow("archive: cleanup removed chunks", "dir", a.Dir, "removed", n)
				}
			}
		}
	}()
}
