package featurestore

import (
	"context"
	"fmt"
	"sync"
)

// OpenFunc opens a backend project. It is called at most once per successful open.
type OpenFunc func(ctx context.Context) (Project, error)

// Connector is the process-wide handle to the store. It is constructed once in main
// and passed to every component; the backend is opened lazily on first use.
type Connector struct {
	mu      sync.Mutex
	open    OpenFunc
	project Project
}

// NewConnector returns a Connector that opens the backend with open.
func NewConnector(open OpenFunc) *Connector {
	return &Connector{open: open}
}

// Project returns the shared project, opening it on first call.
// A failed open is not cached, so the next caller retries.
func (c *Connector) Project(ctx context.Context) (Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.project != nil {
		return c.project, nil
	}
	p, err := c.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to feature store: %w", err)
	}
	c.project = p
	return p, nil
}

// FeatureStore is a shortcut for Project(ctx).FeatureStore().
func (c *Connector) FeatureStore(ctx context.Context) (Store, error) {
	p, err := c.Project(ctx)
	if err != nil {
		return nil, err
	}
	return p.FeatureStore(), nil
}

// ModelRegistry is a shortcut for Project(ctx).ModelRegistry().
func (c *Connector) ModelRegistry(ctx context.Context) (Registry, error) {
	p, err := c.Project(ctx)
	if err != nil {
		return nil, err
	}
	return p.ModelRegistry(), nil
}

// Close releases the project if it was opened.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.project == nil {
		return nil
	}
	err := c.project.Close()
	c.project = nil
	return err
}
