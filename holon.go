// Package holon wires the reactive query and sync engine together: one
// embedded cache per workspace, an operation dispatcher, the reactive
// engine and the sync orchestrator.
//
// Two process-wide singletons are supported — the cache handle and the
// dispatcher — behind Init and Shutdown. Everything else is owned by
// the Workspace value.
package holon

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nightscape/holon/pkg/cache"
	"github.com/nightscape/holon/pkg/engine"
	"github.com/nightscape/holon/pkg/operation"
	"github.com/nightscape/holon/pkg/schema"
	"github.com/nightscape/holon/pkg/syncer"
)

// WorkspaceOpts configures OpenWorkspace.
type WorkspaceOpts struct {
	// DBPath is the workspace database file; ":memory:" for tests.
	DBPath string
	// CatalogPath, when set, loads and initializes a YAML relation
	// catalog.
	CatalogPath string
	Log         *zap.Logger
	Cache       cache.Opts
	Syncer      syncer.Opts
}

// Workspace owns one workspace's engine stack.
type Workspace struct {
	Cache      *cache.Cache
	Dispatcher *operation.Registry
	Engine     *engine.Engine
	Syncer     *syncer.Orchestrator
}

// OpenWorkspace opens the embedded database, initializes the catalog
// relations and builds the engine stack on top.
func OpenWorkspace(opts WorkspaceOpts) (*Workspace, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	c, err := cache.Open(opts.DBPath, opts.Cache)
	if err != nil {
		return nil, err
	}

	if opts.CatalogPath != "" {
		schemas, err := schema.ReadFile(opts.CatalogPath)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		for _, s := range schemas {
			if err := c.Initialize(s); err != nil {
				_ = c.Close()
				return nil, err
			}
		}
	}

	dispatcher := &operation.Registry{}

	syncOpts := opts.Syncer
	syncOpts.Cache = c
	if syncOpts.Log == nil {
		syncOpts.Log = opts.Log
	}

	return &Workspace{
		Cache:      c,
		Dispatcher: dispatcher,
		Engine: engine.New(engine.Opts{
			Cache:    c,
			Registry: dispatcher,
			Log:      opts.Log,
		}),
		Syncer: syncer.New(syncOpts),
	}, nil
}

// Close tears the workspace down.
func (w *Workspace) Close() error {
	return w.Cache.Close()
}

var (
	defaultMu sync.Mutex
	defaultWS *Workspace
)

// Init opens the process-wide workspace. It must be called exactly
// once at process start; a second call fails.
func Init(opts WorkspaceOpts) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultWS != nil {
		return fmt.Errorf("holon: already initialized")
	}
	ws, err := OpenWorkspace(opts)
	if err != nil {
		return err
	}
	defaultWS = ws
	return nil
}

// Default returns the process-wide workspace.
func Default() *Workspace {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultWS == nil {
		panic("holon: Init not called")
	}
	return defaultWS
}

// Shutdown tears the process-wide workspace down at process end.
func Shutdown() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultWS == nil {
		return nil
	}
	err := defaultWS.Close()
	defaultWS = nil
	return err
}
