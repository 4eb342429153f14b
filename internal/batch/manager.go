package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Manager looks up controllers by batch name
type Manager struct {
	controllers map[string]*Controller
}

// NewManager creates a Manager over the given controllers
func NewManager(controllers ...*Controller) *Manager {
	m := &Manager{controllers: make(map[string]*Controller, len(controllers))}
	for _, c := range controllers {
		m.controllers[c.Name()] = c
	}
	return m
}

// Get returns the controller registered under name
func (m *Manager) Get(name string) (*Controller, error) {
	c, ok := m.controllers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownBatch)
	}
	return c, nil
}

// Names returns the registered batch names in sorted order
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.controllers))
	for name := range m.controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TickAll ticks every running batch once. All batches are ticked even if one fails.
func (m *Manager) TickAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.Names() {
		if _, err := m.controllers[name].Tick(ctx); err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
