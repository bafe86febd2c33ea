// Package store defines the persistence boundary of tresor.
//
// The key-management core never talks to a database directly. It reads and
// writes key pairs, folders (envelopes, upgrade log, pending rotation) and
// encrypted objects through the Store interface. Three implementations are
// provided: MemoryStore for tests, FileStore for single-host deployments and
// the CLI, and postgres.Store.
//
// Every folder mutation goes through UpdateFolder, which is a
// compare-and-append on the length of the upgrade log. Implementations must
// apply a FolderUpdate atomically: either every part lands or none does.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/upgrades"
)

// Folder is the persisted key state of one folder.
type Folder struct {
	ID        string              `json:"id"`
	OrgID     string              `json:"org_id"`
	ParentID  string              `json:"parent_id,omitempty"`
	Name      string              `json:"name"`
	KeyID     string              `json:"key_id"`
	Envelopes secrets.EnvelopeSet `json:"envelopes"`
	Upgrades  upgrades.Log        `json:"upgrades"`
	Pending   *PendingRotation    `json:"pending,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// Clone returns a copy that shares only immutable envelopes with f.
func (f *Folder) Clone() *Folder {
	if f == nil {
		return nil
	}
	out := *f
	out.Envelopes = f.Envelopes.Clone()
	out.Upgrades = slices.Clone(f.Upgrades)
	if f.Pending != nil {
		p := *f.Pending
		p.Envelopes = f.Pending.Envelopes.Clone()
		p.Holders = slices.Clone(f.Pending.Holders)
		out.Pending = &p
	}
	return &out
}

// PendingRotation is the durable record of a rotation in progress. It holds
// the new content key already wrapped for every surviving holder, so a
// rotation interrupted at any point can be resumed by any of them.
type PendingRotation struct {
	KeyID string `json:"key_id"`
	// BaseKeyID is the key being replaced.
	BaseKeyID string `json:"base_key_id"`
	// BaseSequence is the log length the rotation was planned against.
	BaseSequence int                 `json:"base_sequence"`
	Holders      []string            `json:"holders"`
	Envelopes    secrets.EnvelopeSet `json:"envelopes"`
	Reason       string              `json:"reason"`
	// Excluded is the revoked principal when Reason is revoke.
	Excluded  string    `json:"excluded,omitempty"`
	StartedBy string    `json:"started_by"`
	StartedAt time.Time `json:"started_at"`
}

// Object is an encrypted payload scoped to one folder.
type Object struct {
	ID       string          `json:"id"`
	FolderID string          `json:"folder_id"`
	Sealed   *secrets.Sealed `json:"sealed"`
	// Staged is the payload re-encrypted under a pending rotation key.
	// It replaces Sealed when the rotation commits.
	Staged    *secrets.Sealed `json:"staged,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// KeyID returns the content key the object is currently sealed under, or
// "" for a legacy object that predates content-key ids.
func (o *Object) KeyID() string {
	if o == nil || o.Sealed == nil {
		return ""
	}
	return o.Sealed.KeyID
}

// FolderUpdate is an atomic change to a folder's key state.
type FolderUpdate struct {
	// ExpectedLength is the upgrade-log length the change was computed
	// against. A mismatch is ErrKeyRotationConflict.
	ExpectedLength int

	// Append is the new log entry, if any. Its sequence must equal ExpectedLength.
	Append *upgrades.Upgrade

	// Envelopes replaces the folder's envelope set when non-nil.
	Envelopes secrets.EnvelopeSet

	// KeyID replaces the folder's current key id when non-empty.
	KeyID string

	// SetPending records a new pending rotation. The folder must not
	// already have one.
	SetPending *PendingRotation

	// ClearPending removes the pending rotation record.
	ClearPending bool

	// PromoteStaged replaces every object's sealed payload with its staged
	// payload under the folder's resulting key id. The update fails with
	// ErrKeyRotationConflict if any keyed object would remain under a
	// different key.
	PromoteStaged bool
}

// KeyPairs persists principals' key pairs.
type KeyPairs interface {
	// CreateKeyPair stores the first key pair of a principal.
	// Returns ErrPublicKeyExists if one is already stored.
	CreateKeyPair(ctx context.Context, kp *secrets.KeyPair) error

	// GetKeyPair returns the active key pair or ErrPrincipalNotFound.
	GetKeyPair(ctx context.Context, principalID string) (*secrets.KeyPair, error)

	// ReplaceKeyPair supersedes the active pair. kp.Generation must be
	// exactly one more than the stored generation.
	ReplaceKeyPair(ctx context.Context, kp *secrets.KeyPair) error
}

// Folders persists folder key state.
type Folders interface {
	// CreateFolder stores a new folder. Returns ErrFolderExists on a
	// duplicate id and ErrFolderNotFound if the parent does not exist.
	CreateFolder(ctx context.Context, f *Folder) error

	GetFolder(ctx context.Context, id string) (*Folder, error)

	// ListFolders returns every folder ordered by id.
	ListFolders(ctx context.Context) ([]*Folder, error)

	// UpdateFolder applies u atomically and returns the resulting folder.
	UpdateFolder(ctx context.Context, id string, u FolderUpdate) (*Folder, error)
}

// Objects persists encrypted objects.
type Objects interface {
	// PutObject stores a new object. Its payload must be sealed under the
	// folder's current key and the folder must have no pending rotation,
	// otherwise ErrKeyRotationConflict.
	PutObject(ctx context.Context, obj *Object) error

	GetObject(ctx context.Context, id string) (*Object, error)

	// ListObjects returns the folder's objects ordered by creation time, then id.
	ListObjects(ctx context.Context, folderID string) ([]*Object, error)

	// StageObjects records re-encrypted payloads for the folder's pending
	// rotation. keyID must match the pending rotation key.
	StageObjects(ctx context.Context, folderID, keyID string, staged map[string]*secrets.Sealed) error
}

// Store is the full persistence boundary.
type Store interface {
	KeyPairs
	Folders
	Objects
	Close() error
}
