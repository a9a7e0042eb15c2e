package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay lets an editor finish writing before policies are reread.
const reloadDelay = 500 * time.Millisecond

// Loader reads policy files. A .rego file is one policy named after the
// file. A .json file holds either one policy or a bundle with a "policies"
// list. Parsed files are cached until their size or modification time
// changes.
type Loader struct {
	log zerolog.Logger

	mu      sync.Mutex
	files   map[string]parsedFile
	watcher *fsnotify.Watcher
}

type parsedFile struct {
	modTime  time.Time
	size     int64
	policies []Policy
}

// NewLoader creates a loader.
func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{
		log:   log.With().Str("component", "policy-loader").Logger(),
		files: make(map[string]parsedFile),
	}
}

// Load reads every policy under paths. Files inside a directory that fail to
// parse are skipped with a warning; a named file that fails is an error, as
// is a policy name declared twice.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	origin := map[string]string{}

	for _, path := range paths {
		policies, err := l.loadPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}
		for _, p := range policies {
			if prev, dup := origin[p.Name]; dup {
				return nil, fmt.Errorf("policy %s is declared in both %s and %s", p.Name, prev, p.Source)
			}
			origin[p.Name] = p.Source
			out = append(out, p)
		}
	}

	l.log.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies read")
	return out, nil
}

func (l *Loader) loadPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return l.loadFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var out []Policy
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFile(f)
		if err != nil {
			l.log.Warn().Err(err).Str("path", f).Msg("Skipping unreadable policy file")
			continue
		}
		out = append(out, policies...)
	}
	return out, nil
}

func (l *Loader) loadFile(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	cached, ok := l.files[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var policies []Policy
	switch filepath.Ext(path) {
	case ".rego":
		policies = []Policy{parseRego(path, data)}
	case ".json":
		if policies, err = parseJSON(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("not a policy file: %s", path)
	}

	l.mu.Lock()
	l.files[path] = parsedFile{modTime: info.ModTime(), size: info.Size(), policies: policies}
	l.mu.Unlock()
	return policies, nil
}

// Forget drops the cached parse of one file.
func (l *Loader) Forget(path string) {
	l.mu.Lock()
	delete(l.files, path)
	l.mu.Unlock()
}

// Reset drops every cached parse.
func (l *Loader) Reset() {
	l.mu.Lock()
	l.files = make(map[string]parsedFile)
	l.mu.Unlock()
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

func parseRego(path string, data []byte) Policy {
	description, severity := regoHeader(string(data))
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Source:      path,
	}
}

// regoHeader reads the leading comment block: its text is the description
// and a "severity: <level>" line sets the default severity.
func regoHeader(src string) (string, Severity) {
	severity := SeverityWarning
	var words []string

	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(words) > 0 {
				break
			}
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			if s := Severity(strings.TrimSpace(level)); s.valid() {
				severity = s
			}
			continue
		}
		if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity
}

func parseJSON(path string, data []byte) ([]Policy, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON policy: %w", err)
	}

	var policies []Policy
	bundle := ""
	if _, ok := probe["policies"]; ok {
		var b Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("invalid policy bundle: %w", err)
		}
		bundle = b.Name
		if bundle == "" {
			bundle = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		policies = b.Policies
	} else {
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid JSON policy: %w", err)
		}
		policies = []Policy{p}
	}

	for i := range policies {
		p := &policies[i]
		switch {
		case p.Name == "":
			return nil, fmt.Errorf("policy %d has no name", i)
		case strings.TrimSpace(p.Rego) == "":
			return nil, fmt.Errorf("policy %s has no rego", p.Name)
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		} else if !p.Severity.valid() {
			return nil, fmt.Errorf("policy %s has unknown severity %q", p.Name, p.Severity)
		}
		p.Source = path
		p.Bundle = bundle
	}
	return policies, nil
}

// Watch rereads paths after files under them change and hands the full set
// to apply. It returns once the watcher runs; watching ends with ctx or Close.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		_ = w.Close()
		return fmt.Errorf("policy paths are already watched")
	}
	l.watcher = w
	l.mu.Unlock()

	for _, path := range paths {
		if err := addTree(w, path); err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("Policy path not watched")
		}
	}

	go l.watchLoop(ctx, w, paths, apply)
	l.log.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

// addTree watches path and, for a directory, every directory below it.
func addTree(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = l.Close()
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addTree(w, ev.Name)
				}
			} else if !isPolicyFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			l.Forget(ev.Name)
			l.log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")

			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			policies, err := l.Load(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.log.Error().Err(err).Msg("Policy reload failed, keeping the previous set")
				continue
			}
			l.log.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// Close stops watching. It is safe to call when nothing is watched.
func (l *Loader) Close() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Close()
}
