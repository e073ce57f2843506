package mapper

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"nuha.dev/trachs/internal/provider"
)

var ErrUnmappableDevice = errors.New("unmappable device")

// Mapper resolves upstream device names to tracking-server identifiers.
// Explicit entries always win over auto-generated ones. Resolution is a pure
// function of the name and the startup configuration.
type Mapper struct {
	explicit map[string]string
	auto     bool

	mu    sync.RWMutex
	cache map[string]string
}

// New copies explicit so later changes by the caller have no effect.
func New(explicit map[string]string, autoGenerate bool) *Mapper {
	m := &Mapper{auto: autoGenerate, cache: make(map[string]string)}
	m.explicit = make(map[string]string, len(explicit))
	for k, v := range explicit {
		m.explicit[k] = v
	}
	return m
}

func (m *Mapper) Resolve(name string) (string, error) {
	if id, ok := m.explicit[name]; ok {
		return id, nil
	}
	return m.generate(name)
}

// ResolveFix also accepts the upstream canonic id as an explicit key, for
// devices whose display name is not unique or changes.
func (m *Mapper) ResolveFix(fix provider.DeviceFix) (string, error) {
	if id, ok := m.explicit[fix.Name()]; ok {
		return id, nil
	}
	if cid := fix.CanonicID(); cid != "" {
		if id, ok := m.explicit[cid]; ok {
			return id, nil
		}
	}
	return m.generate(fix.Name())
}

func (m *Mapper) generate(name string) (string, error) {
	if !m.auto {
		return "", fmt.Errorf("%w: no mapping for %q", ErrUnmappableDevice, name)
	}

	m.mu.RLock()
	id, ok := m.cache[name]
	m.mu.RUnlock()
	if ok {
		return id, nil
	}

	id = Normalize(name)
	if id == "" {
		return "", fmt.Errorf("%w: %q has no alphanumeric characters", ErrUnmappableDevice, name)
	}
	m.mu.Lock()
	m.cache[name] = id
	m.mu.Unlock()
	return id, nil
}

// Normalize lowercases name and strips everything outside [a-z0-9].
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
