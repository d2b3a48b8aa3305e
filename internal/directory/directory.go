// Package directory resolves actor identities: display name, email and the
// roles that drive capability checks.
package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/siteops/approvals/model"
)

// Directory looks up actors by ID.
type Directory interface {
	// Lookup returns the actor with id. Returns NOT_FOUND if unknown.
	Lookup(ctx context.Context, id string) (model.Actor, error)

	// LookupMany returns the known actors among ids, keyed by ID. Unknown IDs
	// are omitted.
	LookupMany(ctx context.Context, ids []string) (map[string]model.Actor, error)
}

type directoryFile struct {
	Actors []model.Actor `yaml:"actors"`
}

// StaticDirectory is an in-memory Directory, optionally loaded from a YAML
// file listing actors.
type StaticDirectory struct {
	path   string
	mu     sync.RWMutex
	actors map[string]model.Actor
}

// NewStaticDirectory creates a directory holding actors.
func NewStaticDirectory(actors ...model.Actor) *StaticDirectory {
	d := &StaticDirectory{actors: make(map[string]model.Actor, len(actors))}
	for _, a := range actors {
		d.actors[a.ID] = a
	}
	return d
}

// LoadFile creates a directory from the YAML file at path.
func LoadFile(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", d.path, err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", d.path, err)
	}

	actors := make(map[string]model.Actor, len(f.Actors))
	for i, a := range f.Actors {
		if a.ID == "" {
			return fmt.Errorf("directory: %s: actor %d has no id", d.path, i)
		}
		if _, dup := actors[a.ID]; dup {
			return fmt.Errorf("directory: %s: duplicate actor %q", d.path, a.ID)
		}
		actors[a.ID] = a
	}

	d.mu.Lock()
	d.actors = actors
	d.mu.Unlock()
	return nil
}

// Lookup returns the actor with id.
func (d *StaticDirectory) Lookup(_ context.Context, id string) (model.Actor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.actors[id]
	if !ok {
		return model.Actor{}, model.NewNotFoundError(fmt.Sprintf("actor %q not found", id))
	}
	return a, nil
}

// LookupMany returns the known actors among ids.
func (d *StaticDirectory) LookupMany(_ context.Context, ids []string) (map[string]model.Actor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]model.Actor, len(ids))
	for _, id := range ids {
		if a, ok := d.actors[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

// Loaded reports whether any actors are known. Used by readiness checks.
func (d *StaticDirectory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.actors) > 0
}
