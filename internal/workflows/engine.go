package workflows

import (
	"context"
	"fmt"

	"github.com/PolarWolf314/tresor/internal/audit"
	"github.com/PolarWolf314/tresor/internal/configs"
	"github.com/PolarWolf314/tresor/internal/folders"
	"github.com/PolarWolf314/tresor/internal/keyring"
	logger "github.com/PolarWolf314/tresor/internal/logging"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/store/postgres"
	"github.com/PolarWolf314/tresor/internal/upgrades"
	"github.com/PolarWolf314/tresor/internal/workers"
)

// EngineOptions configures Open.
type EngineOptions struct {
	// Config defaults to configs.Default().
	Config *configs.Config

	// Settings resolves relative paths in Config against the workspace
	// root. Without it paths are used as given.
	Settings *configs.Settings

	// Store replaces the configured driver when set. The engine does not
	// close a store it was given.
	Store store.Store

	Logger logger.Logger
}

// Engine wires the key engine together for one workspace: the store, the
// keyring, the folder hierarchy, the crypto worker pool and the audit trail.
// It is safe for concurrent use.
type Engine struct {
	cfg       *configs.Config
	store     store.Store
	ownsStore bool
	keys      *keyring.Keyring
	tree      *folders.Hierarchy
	pool      *workers.Pool
	audit     *audit.Recorder
	graphPath string
	log       logger.Logger
}

// ActorCredentials identify the principal performing an operation. The
// secret unlocks its private key for the duration of one call.
type ActorCredentials struct {
	PrincipalID string
	Secret      []byte
}

// Open builds an Engine from opts.
func Open(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = configs.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	resolve := func(path string) string {
		if opts.Settings == nil {
			return path
		}
		return opts.Settings.Resolve(path)
	}

	log := opts.Logger
	st := opts.Store
	owns := false
	if st == nil {
		var err error
		if st, err = openStore(ctx, cfg, resolve); err != nil {
			return nil, err
		}
		owns = true
	}

	pool := workers.NewPool(workers.Config{
		Workers:    cfg.Workers.Count,
		QueueDepth: cfg.Workers.QueueDepth,
	})
	minImport := configs.MinRSABits
	if cfg.AllowWeakKeys {
		minImport = 1024
	}
	keys := keyring.New(st, keyring.Options{
		RSABits:       cfg.Crypto.RSABits,
		MinImportBits: minImport,
		KDF: secrets.KDFParams{
			Time:      cfg.Crypto.KDF.Time,
			MemoryKiB: cfg.Crypto.KDF.MemoryKiB,
			Threads:   cfg.Crypto.KDF.Threads,
		},
		Pool:   pool,
		Logger: log,
	})
	tree := folders.New(st, keys, pool, folders.Options{
		BatchSize:       cfg.Rotation.BatchSize,
		MaxRetries:      cfg.Rotation.MaxRetries,
		InitialInterval: cfg.Rotation.InitialInterval,
		Logger:          log,
	})

	log.Debugf("engine open: store=%s workers=%d batch=%d", cfg.Store.Driver, pool.Workers(), cfg.Rotation.BatchSize)

	return &Engine{
		cfg:       cfg,
		store:     st,
		ownsStore: owns,
		keys:      keys,
		tree:      tree,
		pool:      pool,
		audit:     audit.NewRecorder(resolve(cfg.Audit.Path), log),
		graphPath: resolve(cfg.Access.Graph),
		log:       log.Named("engine"),
	}, nil
}

func openStore(ctx context.Context, cfg *configs.Config, resolve func(string) string) (store.Store, error) {
	switch cfg.Store.Driver {
	case configs.DriverMemory:
		return store.NewMemoryStore(), nil
	case configs.DriverFile:
		return store.OpenFileStore(resolve(cfg.Store.Path))
	case configs.DriverPostgres:
		return postgres.Open(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Close releases the store if the engine opened it.
func (e *Engine) Close() error {
	if !e.ownsStore {
		return nil
	}
	return e.store.Close()
}

// Config returns the configuration the engine runs with.
func (e *Engine) Config() *configs.Config { return e.cfg }

// PoolStats reports the crypto worker pool counters.
func (e *Engine) PoolStats() workers.Stats { return e.pool.Stats() }

// unlock opens the actor's private key. Callers must Wipe the handle.
func (e *Engine) unlock(ctx context.Context, actor ActorCredentials) (*secrets.PrivateKeyHandle, error) {
	if actor.PrincipalID == "" {
		return nil, fmt.Errorf("acting principal is required")
	}
	handle, err := e.keys.Unlock(ctx, actor.PrincipalID, actor.Secret)
	if err != nil {
		return nil, fmt.Errorf("unlocking key of %s: %w", actor.PrincipalID, err)
	}
	return handle, nil
}

// record writes entry to the audit trail, marking it failed when err is set.
func (e *Engine) record(entry audit.Entry, err error) {
	if err != nil {
		entry.Error = err.Error()
	}
	e.audit.Record(entry)
}

// fromChange fills the key id, log length and resume flag of entry.
func fromChange(entry audit.Entry, c *folders.Change) audit.Entry {
	if c == nil {
		return entry
	}
	entry.KeyID = c.KeyID
	entry.Resumed = c.Resumed
	entry.Sequence = sequence(c)
	return entry
}

// sequence returns the log length after c, or 0 for a no-op.
func sequence(c *folders.Change) int {
	if n := len(c.Entries); n > 0 {
		return c.Entries[n-1].Sequence + 1
	}
	return 0
}

// appended reports whether c committed an op entry for principalID.
func appended(c *folders.Change, op upgrades.Operation, principalID string) bool {
	for _, up := range c.Entries {
		if up.Operation == op && up.PrincipalID == principalID {
			return true
		}
	}
	return false
}

// appendedOp reports whether c committed any op entry.
func appendedOp(c *folders.Change, op upgrades.Operation) bool {
	for _, up := range c.Entries {
		if up.Operation == op {
			return true
		}
	}
	return false
}

// recordSubfolders writes one audit entry per subfolder c reached and
// returns their ids.
func (e *Engine) recordSubfolders(entry audit.Entry, c *folders.Change) []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.Subfolders))
	for _, sub := range c.Subfolders {
		sentry := entry
		sentry.FolderID = sub.FolderID
		e.record(fromChange(sentry, sub), nil)
		ids = append(ids, sub.FolderID)
	}
	return ids
}
