// Package apps manages the YAML registry of monitored apps and their goals.
package apps

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// App describes one monitored app.
type App struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Match lists extra app id prefixes that map onto this entry, e.g. a
	// vendor's lite and beta builds.
	Match []string `yaml:"match"`

	// DailyGoal is a Go duration string ("45m"); empty means no goal.
	DailyGoal string `yaml:"daily_goal"`

	// Locked marks apps the user asked to be interrupted reliably.
	Locked bool `yaml:"locked"`

	goal time.Duration
}

// Goal returns the parsed daily goal, zero when unset.
func (a *App) Goal() time.Duration {
	if a == nil {
		return 0
	}
	return a.goal
}

// File is the top-level YAML structure.
type File struct {
	Apps []App `yaml:"apps"`
}

// Registry holds loaded apps keyed by id.
type Registry struct {
	byID   map[string]*App
	order  []string // definition order
	prefix []prefixEntry
}

type prefixEntry struct {
	prefix string
	app    *App
}

// Empty returns a registry with no apps.
func Empty() *Registry {
	return &Registry{byID: make(map[string]*App)}
}

// Load reads the YAML file at path. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	r := &Registry{byID: make(map[string]*App, len(f.Apps))}
	for i := range f.Apps {
		a := &f.Apps[i]
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return nil, fmt.Errorf("app %d: missing id", i)
		}
		if _, dup := r.byID[a.ID]; dup {
			return nil, fmt.Errorf("app %q: duplicate id", a.ID)
		}
		if a.DailyGoal != "" {
			d, err := time.ParseDuration(a.DailyGoal)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("app %q: invalid daily_goal %q", a.ID, a.DailyGoal)
			}
			a.goal = d
		}
		r.byID[a.ID] = a
		r.order = append(r.order, a.ID)
		for _, p := range a.Match {
			if p = strings.TrimSpace(p); p != "" {
				r.prefix = append(r.prefix, prefixEntry{prefix: p, app: a})
			}
		}
	}

	// Longest prefix first so the most specific entry wins.
	sort.SliceStable(r.prefix, func(i, j int) bool {
		return len(r.prefix[i].prefix) > len(r.prefix[j].prefix)
	})
	return r, nil
}

// Lookup resolves an app id by exact id, then by the longest matching prefix.
func (r *Registry) Lookup(appID string) (*App, bool) {
	if r == nil || appID == "" {
		return nil, false
	}
	if a, ok := r.byID[appID]; ok {
		return a, true
	}
	for _, e := range r.prefix {
		if strings.HasPrefix(appID, e.prefix) {
			return e.app, true
		}
	}
	return nil, false
}

// Monitored reports whether appID should open sessions.
func (r *Registry) Monitored(appID string) bool {
	_, ok := r.Lookup(appID)
	return ok
}

// Goal returns the daily goal for appID, zero when unknown or unset.
func (r *Registry) Goal(appID string) time.Duration {
	a, _ := r.Lookup(appID)
	return a.Goal()
}

// Locked reports whether appID runs in locked mode.
func (r *Registry) Locked(appID string) bool {
	a, ok := r.Lookup(appID)
	return ok && a.Locked
}

// All returns apps in definition order.
func (r *Registry) All() []*App {
	if r == nil {
		return nil
	}
	out := make([]*App, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs returns a sorted list of app ids.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	sort.Strings(ids)
	return ids
}

// Source serves the current registry and swaps it atomically on reload.
type Source struct {
	path    string
	current atomic.Pointer[Registry]
}

// NewSource loads path and returns a Source over it.
func NewSource(path string) (*Source, error) {
	r, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Source{path: path}
	s.current.Store(r)
	return s, nil
}

// Path returns the watched file path.
func (s *Source) Path() string { return s.path }

// Registry returns the active registry.
func (s *Source) Registry() *Registry { return s.current.Load() }

// Reload re-reads the file. On error the previous registry stays active.
func (s *Source) Reload() error {
	r, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(r)
	return nil
}

// Monitored reports whether appID is in the active registry.
func (s *Source) Monitored(appID string) bool { return s.Registry().Monitored(appID) }

// Goal returns the daily goal from the active registry.
func (s *Source) Goal(appID string) time.Duration { return s.Registry().Goal(appID) }

// Locked reports locked mode from the active registry.
func (s *Source) Locked(appID string) bool { return s.Registry().Locked(appID) }
