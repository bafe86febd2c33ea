// Package folders implements the folder key hierarchy: which principals hold
// an envelope for a folder's content key, and how that set changes through
// grant, revoke and rotation.
//
// # Write path
//
// Every write on a folder runs under an in-process per-folder lock and ends
// in a single store.UpdateFolder call that compare-and-appends on the
// upgrade-log length. A conflict (another process moved the log) is retried
// with exponential backoff against freshly read state; when retries run out
// the caller gets ErrRetryExhausted.
//
// # Rotation
//
// A rotation first durably records a PendingRotation holding the new key
// wrapped for every surviving holder, then re-encrypts objects in batches on
// the worker pool and stages them, then commits the Rotate entry, the new
// envelopes and the staged payloads in one atomic update. The old key is
// only ever dropped by that commit. Any write that finds a pending rotation
// resumes it before doing its own work.
//
// # Subfolders
//
// A subfolder is held by every holder of its parent. Create wraps the new
// key for the parent's holders, Grant on a folder also grants every
// subfolder below it, and Revoke removes the principal from the whole
// subtree, rotating each folder it touched. Locks are always taken from a
// folder down to its subfolders.
//
// # Read path
//
// Decrypt takes no locks. If the principal's envelope fails to open it
// re-reads the folder once, in case a rotation committed in between, and
// then reports a StaleKeyError when the envelope predates the principal's
// current key pair.
package folders

import (
	"context"
	"errors"
	"fmt"
	"time"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/keyring"
	logger "github.com/PolarWolf314/tresor/internal/logging"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/upgrades"
	"github.com/PolarWolf314/tresor/internal/workers"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for Options fields left zero.
const (
	DefaultBatchSize       = 64
	DefaultMaxRetries      = 5
	DefaultInitialInterval = 20 * time.Millisecond
)

// Options configures a Hierarchy.
type Options struct {
	// BatchSize is how many objects are re-encrypted and staged per store write.
	BatchSize int
	// MaxRetries bounds conflict retries per operation.
	MaxRetries int
	// InitialInterval is the first backoff delay after a conflict.
	InitialInterval time.Duration

	Logger logger.Logger

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Hierarchy manages folder key state.
type Hierarchy struct {
	store store.Store
	keys  *keyring.Keyring
	pool  *workers.Pool
	opts  Options
	locks *lockTable
	log   logger.Logger
}

// New returns a Hierarchy over st. Key pairs are looked up through keys and
// CPU-bound crypto runs on pool.
func New(st store.Store, keys *keyring.Keyring, pool *workers.Pool, opts Options) *Hierarchy {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hierarchy{
		store: st,
		keys:  keys,
		pool:  pool,
		opts:  opts,
		locks: newLockTable(),
		log:   opts.Logger.Named("folders"),
	}
}

// Change describes what a write operation appended to a folder's log.
type Change struct {
	FolderID string
	// Entries are the upgrades appended by this call, including those of a
	// pending rotation it resumed. Empty for a no-op.
	Entries []upgrades.Upgrade
	// KeyID is the folder's content key after the call.
	KeyID string
	// Resumed is true when a pending rotation was completed first.
	Resumed bool
	// Subfolders are the changes a grant or revoke made below FolderID.
	Subfolders []*Change
}

// NoOp reports whether the call changed nothing.
func (c *Change) NoOp() bool { return len(c.Entries) == 0 }

// View is a folder together with its replayed key state.
type View struct {
	*store.Folder
	Status     upgrades.Status
	Generation int
	Holders    []string
	// UnfinishedRevoke is the principal of a revoke whose rotation has not
	// run yet. The next write on the folder finishes it.
	UnfinishedRevoke string
}

// Folder returns the folder's current key state.
func (h *Hierarchy) Folder(ctx context.Context, folderID string) (*View, error) {
	f, err := h.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	st, err := upgrades.Replay(f.Upgrades)
	if err != nil {
		return nil, err
	}
	return &View{
		Folder:           f,
		Status:           status(f, st),
		Generation:       st.Generation,
		Holders:          f.Envelopes.Holders(),
		UnfinishedRevoke: unfinishedRevoke(f.Upgrades),
	}, nil
}

// Holders returns the principals holding an envelope for the folder's current key.
func (h *Hierarchy) Holders(ctx context.Context, folderID string) ([]string, error) {
	f, err := h.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	return f.Envelopes.Holders(), nil
}

// CatchUp reports a principal's access relative to the log position it last saw.
func (h *Hierarchy) CatchUp(ctx context.Context, folderID, principalID string, fromSequence int) (upgrades.CatchUpResult, error) {
	f, err := h.store.GetFolder(ctx, folderID)
	if err != nil {
		return upgrades.CatchUpResult{}, err
	}
	return upgrades.CatchUp(f.Upgrades, principalID, fromSequence)
}

func status(f *store.Folder, st upgrades.State) upgrades.Status {
	if f.Pending != nil && st.Status == upgrades.StatusActive {
		return upgrades.StatusRotating
	}
	return st.Status
}

func (h *Hierarchy) now() time.Time {
	// Stored timestamps have microsecond precision.
	return h.opts.Now().UTC().Truncate(time.Microsecond)
}

// mutation is the body of a write operation. It receives freshly read
// folder state with no pending rotation and returns the entries it
// committed, also when it fails part way.
type mutation func(ctx context.Context, f *store.Folder, st upgrades.State) ([]upgrades.Upgrade, error)

// mutate runs fn under the folder lock, resuming a pending rotation first
// and retrying on conflict.
func (h *Hierarchy) mutate(ctx context.Context, folderID string, actor *secrets.PrivateKeyHandle, fn mutation) (*Change, error) {
	unlock, err := h.locks.lock(ctx, folderID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return h.mutateLocked(ctx, folderID, actor, fn)
}

// mutateLocked is mutate for a caller already holding the folder lock.
func (h *Hierarchy) mutateLocked(ctx context.Context, folderID string, actor *secrets.PrivateKeyHandle, fn mutation) (*Change, error) {
	change := &Change{FolderID: folderID}
	err := h.retry(ctx, folderID, func() error {
		f, err := h.store.GetFolder(ctx, folderID)
		if err != nil {
			return err
		}

		if f.Pending != nil {
			if actor == nil {
				return fmt.Errorf("%w: %s", terrors.ErrFolderRotating, folderID)
			}
			up, err := h.resume(ctx, f, actor)
			if err != nil {
				return err
			}
			change.Entries = append(change.Entries, up)
			change.Resumed = true
			if f, err = h.store.GetFolder(ctx, folderID); err != nil {
				return err
			}
		}

		st, err := upgrades.Replay(f.Upgrades)
		if err != nil {
			return err
		}
		if st.Status == upgrades.StatusArchived {
			return fmt.Errorf("%w: %s", terrors.ErrFolderArchived, folderID)
		}

		// A revoke whose rotation never started is finished before anything else.
		if excluded := unfinishedRevoke(f.Upgrades); excluded != "" && actor != nil {
			up, err := h.rotate(ctx, f, upgrades.ReasonRevoke, excluded, actor)
			if err != nil {
				return err
			}
			change.Entries = append(change.Entries, up)
			if f, err = h.store.GetFolder(ctx, folderID); err != nil {
				return err
			}
			if st, err = upgrades.Replay(f.Upgrades); err != nil {
				return err
			}
		}

		entries, err := fn(ctx, f, st)
		change.Entries = append(change.Entries, entries...)
		return err
	})
	if err != nil {
		return nil, err
	}

	if f, err := h.store.GetFolder(ctx, folderID); err == nil {
		change.KeyID = f.KeyID
	}
	return change, nil
}

// commit validates up against the folder's log and applies it with u.
func (h *Hierarchy) commit(ctx context.Context, f *store.Folder, up upgrades.Upgrade, u store.FolderUpdate) (*store.Folder, error) {
	up.Sequence = len(f.Upgrades)
	if up.Timestamp.IsZero() {
		up.Timestamp = h.now()
	}
	if _, _, err := upgrades.Apply(f.Upgrades, up); err != nil {
		return nil, err
	}

	u.ExpectedLength = len(f.Upgrades)
	u.Append = &up
	next, err := h.store.UpdateFolder(ctx, f.ID, u)
	if err != nil {
		return nil, err
	}
	h.log.Debugf("folder %s: committed %s #%d", f.ID, up.Operation, up.Sequence)
	return next, nil
}

func (h *Hierarchy) retry(ctx context.Context, folderID string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.opts.InitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.opts.MaxRetries)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn()
		if err == nil || errors.Is(err, terrors.ErrKeyRotationConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, next time.Duration) {
		h.log.Debugf("folder %s: conflict on attempt %d, retrying in %s: %v", folderID, attempts, next, err)
	})

	if err != nil && errors.Is(err, terrors.ErrKeyRotationConflict) && ctx.Err() == nil {
		h.log.Warnf("folder %s: giving up after %d attempts", folderID, attempts)
		return fmt.Errorf("%w: folder %s after %d attempts: %v", terrors.ErrRetryExhausted, folderID, attempts, err)
	}
	return err
}

// unfinishedRevoke returns the principal of a trailing Revoke entry that
// has no Rotate after it, or "".
func unfinishedRevoke(log upgrades.Log) string {
	for i := len(log) - 1; i >= 0; i-- {
		switch log[i].Operation {
		case upgrades.OpRotate, upgrades.OpCreate:
			return ""
		case upgrades.OpRevoke:
			return log[i].PrincipalID
		}
	}
	return ""
}

// openKey unwraps the folder's current content key for handle.
func (h *Hierarchy) openKey(ctx context.Context, f *store.Folder, envelopes secrets.EnvelopeSet, handle *secrets.PrivateKeyHandle) (*secrets.ContentKey, error) {
	var key *secrets.ContentKey
	err := h.pool.Do(ctx, func(context.Context) error {
		var err error
		key, err = envelopes.Open(handle)
		return err
	})
	if err == nil {
		return key, nil
	}

	if errors.Is(err, terrors.ErrDecryptFailure) && handle != nil {
		if env, ok := envelopes[handle.PrincipalID()]; ok && env.KeyGeneration != handle.Generation() {
			return nil, &terrors.StaleKeyError{
				PrincipalID:        handle.PrincipalID(),
				FolderID:           f.ID,
				EnvelopeGeneration: env.KeyGeneration,
				CurrentGeneration:  handle.Generation(),
			}
		}
	}
	return nil, err
}

// wrapFor wraps key for each principal's current public key on the pool.
func (h *Hierarchy) wrapFor(ctx context.Context, key *secrets.ContentKey, principals []string) (secrets.EnvelopeSet, error) {
	envs := make([]*secrets.Envelope, len(principals))
	err := h.pool.Map(ctx, len(principals), func(ctx context.Context, i int) error {
		pub, gen, err := h.keys.PublicKey(ctx, principals[i])
		if err != nil {
			return err
		}
		envs[i], err = secrets.Wrap(key, principals[i], gen, pub)
		return err
	})
	if err != nil {
		return nil, err
	}

	set := make(secrets.EnvelopeSet, len(envs))
	for _, env := range envs {
		set[env.PrincipalID] = env
	}
	return set, nil
}
