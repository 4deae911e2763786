package registry

import (
	"fmt"
	"sort"
	"sync"

	"unitd/internal/unit"
)

// Registry interns unit names into stable ids and stores the resulting
// Entry objects. Lookups by name or id are O(1).
type Registry struct {
	mu sync.RWMutex

	nextID unit.ID

	byName map[string]unit.ID // canonical name -> id
	alias  map[string]string  // alias name -> canonical name
	byID   map[unit.ID]*unit.Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]unit.ID),
		alias:  make(map[string]string),
		byID:   make(map[unit.ID]*unit.Entry),
	}
}

// GetOrCreate returns the Entry for name, creating it (and interning a
// new id) on first reference.
func (r *Registry) GetOrCreate(name string, kind unit.Kind) *unit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := r.resolveLocked(name)
	if id, ok := r.byName[canonical]; ok {
		return r.byID[id]
	}

	r.nextID++
	id := r.nextID
	e := unit.NewEntry(id, canonical, kind)
	r.byName[canonical] = id
	r.byID[id] = e
	return e
}

// Get returns the Entry for name (following aliases), or nil if unknown.
func (r *Registry) Get(name string) *unit.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	canonical := r.resolveLocked(name)
	id, ok := r.byName[canonical]
	if !ok {
		return nil
	}
	return r.byID[id]
}

// GetByID returns the Entry for id, or nil if unknown.
func (r *Registry) GetByID(id unit.ID) *unit.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ID returns the interned id for name, and whether it is known.
func (r *Registry) ID(name string) (unit.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical := r.resolveLocked(name)
	id, ok := r.byName[canonical]
	return id, ok
}

func (r *Registry) resolveLocked(name string) string {
	if canon, ok := r.alias[name]; ok {
		return canon
	}
	return name
}

// AddAlias records that aliasName is a symlinked alternate name for
// canonicalName. Insertion is rejected if aliasName is already registered
// as a distinct canonical unit.
func (r *Registry) AddAlias(aliasName, canonicalName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[aliasName]; ok && aliasName != canonicalName {
		return fmt.Errorf("registry: %s is already registered as a distinct unit, cannot alias to %s", aliasName, canonicalName)
	}
	if existing, ok := r.alias[aliasName]; ok && existing != canonicalName {
		return fmt.Errorf("registry: %s is already aliased to %s, cannot re-alias to %s", aliasName, existing, canonicalName)
	}
	r.alias[aliasName] = canonicalName
	return nil
}

// Aliases returns every alias name pointing at canonicalName, sorted for
// deterministic display.
func (r *Registry) Aliases(canonicalName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for alias, canon := range r.alias {
		if canon == canonicalName {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every registered Entry, ordered by name for deterministic
// iteration (unitctl list-units, daemon-reload diffing).
func (r *Registry) All() []*unit.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*unit.Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Remove deletes name's Entry from the registry, the registry half of
// per-unit teardown; callers must have already confirmed no in-flight job
// or weak reference remains.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := r.resolveLocked(name)
	id, ok := r.byName[canonical]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byName, canonical)
	for alias, canon := range r.alias {
		if canon == canonical {
			delete(r.alias, alias)
		}
	}
}

// Len returns the number of distinct (non-alias) units registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
