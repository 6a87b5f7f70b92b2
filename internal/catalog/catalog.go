// Package catalog implements the Version Registry (C2): the set of
// Applications and Versions known to the server, with the invariant that
// at most one Version per Application is active at a time.
package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	semver "github.com/Masterminds/semver/v3"

	"github.com/fleetpack/fleetpack/internal/planner"
)

// AppID identifies an Application.
type AppID string

// App is a distributable application. Its identity is its AppID; Name is
// a display label only. EnableTime/DisableTime implement invariant A1: an
// app is available when now falls in [EnableTime, DisableTime), with a
// nil bound treated as open-ended on that side.
type App struct {
	ID          AppID      `json:"id"`
	Name        string     `json:"name"`
	EnableTime  *time.Time `json:"enable_time,omitempty"`
	DisableTime *time.Time `json:"disable_time,omitempty"`
}

// IsAvailable reports whether the app is available at now, per invariant A1.
func (a App) IsAvailable(now time.Time) bool {
	if a.EnableTime != nil && now.Before(*a.EnableTime) {
		return false
	}

	if a.DisableTime != nil && !now.Before(*a.DisableTime) {
		return false
	}

	return true
}

// Version is one release of an App. At most one Version per AppID has
// Active == true (invariant V2).
type Version struct {
	AppID      AppID            `json:"app_id"`
	Version    string           `json:"version"`
	EntryPoint string           `json:"entry_point"`
	Changelog  string           `json:"changelog,omitempty"`
	Active     bool             `json:"active"`
	Manifest   planner.Manifest `json:"manifest"`
}

var (
	// ErrNotFound is returned when an app or version is not known to the catalog.
	ErrNotFound = errors.New("catalog: not found")
	// ErrVersionExists is returned by CreateVersion when (app_id, version) already exists.
	ErrVersionExists = errors.New("catalog: version already exists")
	// ErrAppExists is returned by CreateApp when the AppID is already registered.
	ErrAppExists = errors.New("catalog: app already exists")
	// ErrNoActiveVersion is returned when an app has no active version to query.
	ErrNoActiveVersion = errors.New("catalog: app has no active version")
)

// Registry is the Version Registry contract.
type Registry interface {
	CreateApp(ctx context.Context, app App) error
	GetApp(ctx context.Context, id AppID) (App, error)
	ListApps(ctx context.Context) ([]App, error)

	// CreateVersion adds a new version. If activate is true, it becomes the
	// app's sole active version (invariant V2), deactivating any prior one.
	CreateVersion(ctx context.Context, v Version, activate bool) error
	GetVersion(ctx context.Context, appID AppID, version string) (Version, error)
	GetActiveVersion(ctx context.Context, appID AppID) (Version, error)
	ListVersions(ctx context.Context, appID AppID) ([]Version, error)
}

// InMemoryRegistry is a mutex-guarded Registry used for tests and the
// --memory server mode.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	apps     map[AppID]App
	versions map[AppID]map[string]*Version
}

// NewInMemoryRegistry constructs an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		apps:     make(map[AppID]App),
		versions: make(map[AppID]map[string]*Version),
	}
}

func (r *InMemoryRegistry) CreateApp(_ context.Context, app App) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.apps[app.ID]; exists {
		return ErrAppExists
	}

	r.apps[app.ID] = app
	r.versions[app.ID] = make(map[string]*Version)

	return nil
}

func (r *InMemoryRegistry) GetApp(_ context.Context, id AppID) (App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	app, ok := r.apps[id]
	if !ok {
		return App{}, ErrNotFound
	}

	return app, nil
}

func (r *InMemoryRegistry) ListApps(_ context.Context) ([]App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]App, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// CreateVersion implements the active-flag clearing behavior the original
// AppVersion.save() override performed: before the new version is
// persisted, every sibling version of the same app has Active forced to
// false if activate is requested, all within the same critical section so
// invariant V2 never observes two active versions.
func (r *InMemoryRegistry) CreateVersion(_ context.Context, v Version, activate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.apps[v.AppID]; !ok {
		return ErrNotFound
	}

	versions := r.versions[v.AppID]
	if _, exists := versions[v.Version]; exists {
		return ErrVersionExists
	}

	if activate {
		for _, existing := range versions {
			existing.Active = false
		}

		v.Active = true
	} else {
		v.Active = false
	}

	stored := v
	versions[v.Version] = &stored

	return nil
}

func (r *InMemoryRegistry) GetVersion(_ context.Context, appID AppID, version string) (Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.versions[appID]
	if !ok {
		return Version{}, ErrNotFound
	}

	v, ok := versions[version]
	if !ok {
		return Version{}, ErrNotFound
	}

	return *v, nil
}

func (r *InMemoryRegistry) GetActiveVersion(_ context.Context, appID AppID) (Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.versions[appID]
	if !ok {
		return Version{}, ErrNotFound
	}

	for _, v := range versions {
		if v.Active {
			return *v, nil
		}
	}

	return Version{}, ErrNoActiveVersion
}

func (r *InMemoryRegistry) ListVersions(_ context.Context, appID AppID) ([]Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.versions[appID]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]Version, 0, len(versions))
	for _, v := range versions {
		out = append(out, *v)
	}

	sortVersionsDescending(out)

	return out, nil
}

// sortVersionsDescending orders versions newest-first using semver, falling
// back to lexical order for strings semver cannot parse; this ordering is
// display-only and is never consulted to decide need_update (see the
// set-inequality rule applied by the httpapi package).
func sortVersionsDescending(versions []Version) {
	sort.Slice(versions, func(i, j int) bool {
		vi, erri := semver.NewVersion(versions[i].Version)
		vj, errj := semver.NewVersion(versions[j].Version)

		if erri != nil || errj != nil {
			return versions[i].Version > versions[j].Version
		}

		return vi.GreaterThan(vj)
	})
}
