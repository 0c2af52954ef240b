// Package registry maps live connections to their TLS extension records.
//
// Lookups hand out the *Record itself. A removed record stays valid memory
// for anyone still holding it, but is flagged so late daemon reports and
// dispatchers treat it as gone.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/matst80/socktls/internal/obs"
)

// ErrExists is returned when inserting a key that is already live.
var ErrExists = errors.New("registry: key already registered")

type Registry struct {
	mu      sync.RWMutex
	records map[Key]*Record
}

func New() *Registry {
	return &Registry{records: make(map[Key]*Record)}
}

// Insert adds rec under rec.Key.
func (g *Registry) Insert(rec *Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.records[rec.Key]; exists {
		return fmt.Errorf("%w: %d", ErrExists, rec.Key)
	}
	g.records[rec.Key] = rec
	obs.ActiveRecords.Set(float64(len(g.records)))
	return nil
}

// Lookup returns the record for key or nil.
func (g *Registry) Lookup(key Key) *Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.records[key]
}

// Remove detaches the record for key and releases its buffers. It returns
// the detached record, or nil if key was not registered.
func (g *Registry) Remove(key Key) *Record {
	g.mu.Lock()
	rec := g.records[key]
	delete(g.records, key)
	obs.ActiveRecords.Set(float64(len(g.records)))
	g.mu.Unlock()
	if rec != nil {
		rec.release()
	}
	return rec
}

// RemoveRecord detaches rec only while it is still the live record for its
// key. A newer record registered under the same key is left alone.
func (g *Registry) RemoveRecord(rec *Record) bool {
	g.mu.Lock()
	if g.records[rec.Key] != rec {
		g.mu.Unlock()
		return false
	}
	delete(g.records, rec.Key)
	obs.ActiveRecords.Set(float64(len(g.records)))
	g.mu.Unlock()
	rec.release()
	return true
}

// Drain removes and releases every record. Used at teardown.
func (g *Registry) Drain() int {
	g.mu.Lock()
	all := g.records
	g.records = make(map[Key]*Record)
	obs.ActiveRecords.Set(0)
	g.mu.Unlock()
	for _, rec := range all {
		rec.release()
	}
	return len(all)
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}
