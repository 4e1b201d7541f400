// Package namespace manages tenant namespaces: registration, quota
// accounting, and routing of events to topics and partition keys.
package namespace

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	hub "github.com/lineagehub/lineagehub/internal/hub/errors"
)

// nameRE constrains namespace names to lowercase DNS-ish labels, 3 to 50
// characters.
var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,48}[a-z0-9]$`)

// ValidName reports whether a namespace name is acceptable.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Config is the stored configuration of one tenant namespace. Identity (Name)
// is immutable; limits and descriptive fields are mutable via Update.
type Config struct {
	Name            string    `json:"name"`
	DisplayName     string    `json:"display_name,omitempty"`
	Description     string    `json:"description,omitempty"`
	Owners          []string  `json:"owners,omitempty"`
	DailyEventQuota int64     `json:"daily_event_quota"`
	RetentionDays   int       `json:"retention_days"`
	Tags            []string  `json:"tags,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Defaults are applied to namespaces created without explicit limits.
type Defaults struct {
	DailyEventQuota int64
	RetentionDays   int
}

// Update carries the mutable namespace fields. Nil pointers leave the stored
// value unchanged.
type Update struct {
	DisplayName     *string  `json:"display_name,omitempty"`
	Description     *string  `json:"description,omitempty"`
	Owners          []string `json:"owners,omitempty"`
	DailyEventQuota *int64   `json:"daily_event_quota,omitempty"`
	RetentionDays   *int     `json:"retention_days,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// Registry is an in-memory, concurrency-safe namespace store. Namespaces are
// never deleted automatically.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*Config
	autoCreate bool
	defaults   Defaults
	now        func() time.Time
}

// NewRegistry creates a registry. When autoCreate is true, unknown namespaces
// are created with default limits on first use.
func NewRegistry(autoCreate bool, defaults Defaults) *Registry {
	return &Registry{
		namespaces: make(map[string]*Config),
		autoCreate: autoCreate,
		defaults:   defaults,
		now:        time.Now,
	}
}

// Create registers a new namespace. Zero limits are filled from defaults.
func (r *Registry) Create(cfg Config) (*Config, error) {
	if !ValidName(cfg.Name) {
		return nil, fmt.Errorf("namespace %q: %w", cfg.Name, hub.ErrInvalidNamespace)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.namespaces[cfg.Name]; ok {
		return nil, fmt.Errorf("namespace %q: %w", cfg.Name, hub.ErrNamespaceExists)
	}

	now := r.now().UTC()
	if cfg.DailyEventQuota <= 0 {
		cfg.DailyEventQuota = r.defaults.DailyEventQuota
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = r.defaults.RetentionDays
	}
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	stored := cfg
	r.namespaces[cfg.Name] = &stored

	return copyConfig(&stored), nil
}

// Get returns the namespace configuration by name.
func (r *Registry) Get(name string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("namespace %q: %w", name, hub.ErrUnknownNamespace)
	}
	return copyConfig(cfg), nil
}

// List returns all namespaces sorted by name.
func (r *Registry) List() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Config, 0, len(r.namespaces))
	for _, cfg := range r.namespaces {
		out = append(out, copyConfig(cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update applies the mutable fields and bumps UpdatedAt.
func (r *Registry) Update(name string, upd Update) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("namespace %q: %w", name, hub.ErrUnknownNamespace)
	}

	if upd.DisplayName != nil {
		cfg.DisplayName = *upd.DisplayName
	}
	if upd.Description != nil {
		cfg.Description = *upd.Description
	}
	if upd.Owners != nil {
		cfg.Owners = append([]string(nil), upd.Owners...)
	}
	if upd.DailyEventQuota != nil && *upd.DailyEventQuota > 0 {
		cfg.DailyEventQuota = *upd.DailyEventQuota
	}
	if upd.RetentionDays != nil && *upd.RetentionDays > 0 {
		cfg.RetentionDays = *upd.RetentionDays
	}
	if upd.Tags != nil {
		cfg.Tags = append([]string(nil), upd.Tags...)
	}
	cfg.UpdatedAt = r.now().UTC()

	return copyConfig(cfg), nil
}

// Resolve returns the namespace, auto-creating it with default limits when
// the policy allows. Unknown namespaces are rejected otherwise.
func (r *Registry) Resolve(name string) (*Config, error) {
	r.mu.RLock()
	cfg, ok := r.namespaces[name]
	r.mu.RUnlock()
	if ok {
		return copyConfig(cfg), nil
	}

	if !r.autoCreate {
		return nil, fmt.Errorf("namespace %q: %w", name, hub.ErrUnknownNamespace)
	}
	if !ValidName(name) {
		return nil, fmt.Errorf("namespace %q: %w", name, hub.ErrInvalidNamespace)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another request may have created it between the locks.
	if cfg, ok := r.namespaces[name]; ok {
		return copyConfig(cfg), nil
	}

	now := r.now().UTC()
	created := &Config{
		Name:            name,
		DailyEventQuota: r.defaults.DailyEventQuota,
		RetentionDays:   r.defaults.RetentionDays,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.namespaces[name] = created

	return copyConfig(created), nil
}

func copyConfig(cfg *Config) *Config {
	out := *cfg
	out.Owners = append([]string(nil), cfg.Owners...)
	out.Tags = append([]string(nil), cfg.Tags...)
	return &out
}
