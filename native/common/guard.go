package common

import (
	"errors"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is a concurrency-safe PauseView keyed by action name. Pausing a
// parent such as "lending" also pauses every "lending.<action>" below it.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses returns a pause table with the given keys already paused.
func NewPauses(keys ...string) *Pauses {
	p := &Pauses{paused: make(map[string]bool)}
	for _, k := range keys {
		p.Set(k, true)
	}
	return p
}

// Set toggles the pause flag of key.
func (p *Pauses) Set(key string, paused bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[key] = true
		return
	}
	delete(p.paused, key)
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	key := strings.ToLower(strings.TrimSpace(module))
	p.mu.RLock()
	defer p.mu.RUnlock()
	for key != "" {
		if p.paused[key] {
			return true
		}
		idx := strings.LastIndex(key, ".")
		if idx < 0 {
			break
		}
		key = key[:idx]
	}
	return false
}

// Snapshot lists the paused keys.
func (p *Pauses) Snapshot() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for k := range p.paused {
		out = append(out, k)
	}
	return out
}
