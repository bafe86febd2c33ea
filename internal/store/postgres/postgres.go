// Package postgres implements store.Store on PostgreSQL through pgx's
// database/sql driver. The schema is applied with goose from embedded
// migrations.
//
// Folder updates lock the folder row (SELECT ... FOR UPDATE) for the
// duration of the transaction and validate the update with the same rules
// as the in-memory store; the (folder_id, sequence_number) primary key on
// folder_upgrades backs the compare-and-append.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/secrets"
	"github.com/PolarWolf314/tresor/internal/store"
	"github.com/PolarWolf314/tresor/internal/store/postgres/migrations"
	"github.com/PolarWolf314/tresor/internal/upgrades"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, verifies the connection and runs migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// RunMigrations sets up goose with the embedded migrations and applies them.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateKeyPair(ctx context.Context, kp *secrets.KeyPair) error {
	raw, err := json.Marshal(kp)
	if err != nil {
		return fmt.Errorf("failed to encode key pair: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO key_pairs (principal_id, generation, key_pair)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (principal_id) DO NOTHING`,
		kp.Principal.ID, kp.Generation, string(raw))
	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", terrors.ErrPublicKeyExists, kp.Principal.ID)
	}
	return nil
}

func (s *Store) GetKeyPair(ctx context.Context, principalID string) (*secrets.KeyPair, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT key_pair FROM key_pairs WHERE principal_id = $1`, principalID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", terrors.ErrPrincipalNotFound, principalID)
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	var kp secrets.KeyPair
	if err := json.Unmarshal(raw, &kp); err != nil {
		return nil, fmt.Errorf("failed to decode key pair of %s: %w", principalID, err)
	}
	return &kp, nil
}

func (s *Store) ReplaceKeyPair(ctx context.Context, kp *secrets.KeyPair) error {
	raw, err := json.Marshal(kp)
	if err != nil {
		return fmt.Errorf("failed to encode key pair: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE key_pairs SET generation = $2, key_pair = $3, updated_at = now()
		 WHERE principal_id = $1 AND generation = $4`,
		kp.Principal.ID, kp.Generation, string(raw), kp.Generation-1)
	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetKeyPair(ctx, kp.Principal.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: key pair generation %d does not follow the stored one", terrors.ErrKeyRotationConflict, kp.Generation)
}

func (s *Store) CreateFolder(ctx context.Context, f *store.Folder) error {
	envelopes, err := json.Marshal(nonNilEnvelopes(f.Envelopes))
	if err != nil {
		return fmt.Errorf("failed to encode envelopes: %w", err)
	}
	pending, err := marshalPending(f.Pending)
	if err != nil {
		return err
	}

	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		if f.ParentID != "" {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM folders WHERE id = $1`, f.ParentID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: parent %s", terrors.ErrFolderNotFound, f.ParentID)
			}
			if err != nil {
				return fmt.Errorf("error performing sql request: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO folders (id, org_id, parent_id, name, key_id, envelopes, pending, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			f.ID, f.OrgID, nullString(f.ParentID), f.Name, f.KeyID, string(envelopes), pending, f.CreatedAt)
		if err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %s", terrors.ErrFolderExists, f.ID)
		}

		for _, up := range f.Upgrades {
			if err := insertUpgrade(ctx, tx, f.ID, up); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetFolder(ctx context.Context, id string) (*store.Folder, error) {
	return loadFolder(ctx, s.db, id, false)
}

func (s *Store) ListFolders(ctx context.Context) ([]*store.Folder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM folders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*store.Folder, 0, len(ids))
	for _, id := range ids {
		f, err := s.GetFolder(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) UpdateFolder(ctx context.Context, id string, u store.FolderUpdate) (*store.Folder, error) {
	var result *store.Folder
	err := withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		f, err := loadFolder(ctx, tx, id, true)
		if err != nil {
			return err
		}

		var objs []*store.Object
		if u.PromoteStaged {
			if objs, err = objectKeys(ctx, tx, id); err != nil {
				return err
			}
		}

		promoted, err := store.ApplyFolderUpdate(f, objs, u)
		if err != nil {
			return err
		}

		if u.Append != nil {
			if err := insertUpgrade(ctx, tx, id, *u.Append); err != nil {
				return err
			}
		}

		envelopes, err := json.Marshal(nonNilEnvelopes(f.Envelopes))
		if err != nil {
			return fmt.Errorf("failed to encode envelopes: %w", err)
		}
		pending, err := marshalPending(f.Pending)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE folders SET key_id = $2, envelopes = $3, pending = $4 WHERE id = $1`,
			id, f.KeyID, string(envelopes), pending); err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}

		if len(promoted) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE objects
				 SET sealed = staged, key_id = staged_key_id, staged = NULL, staged_key_id = NULL
				 WHERE folder_id = $1 AND staged_key_id = $2`,
				id, f.KeyID); err != nil {
				return fmt.Errorf("error performing sql request: %w", err)
			}
		}

		result = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) PutObject(ctx context.Context, obj *store.Object) error {
	sealed, err := json.Marshal(obj.Sealed)
	if err != nil {
		return fmt.Errorf("failed to encode object: %w", err)
	}

	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		f, err := lockFolderHead(ctx, tx, obj.FolderID)
		if err != nil {
			return err
		}
		if err := store.CheckPut(f, obj); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO objects (id, folder_id, key_id, sealed, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			obj.ID, obj.FolderID, obj.KeyID(), string(sealed), obj.CreatedAt)
		if err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("object %s already exists", obj.ID)
		}
		return nil
	})
}

func (s *Store) GetObject(ctx context.Context, id string) (*store.Object, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, folder_id, sealed, staged, created_at FROM objects WHERE id = $1`, id)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", terrors.ErrObjectNotFound, id)
	}
	return obj, err
}

func (s *Store) ListObjects(ctx context.Context, folderID string) ([]*store.Object, error) {
	if _, err := lockFolderHead(ctx, s.db, folderID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, folder_id, sealed, staged, created_at FROM objects
		 WHERE folder_id = $1 ORDER BY created_at, id`, folderID)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	var out []*store.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (s *Store) StageObjects(ctx context.Context, folderID, keyID string, staged map[string]*secrets.Sealed) error {
	return withTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		f, err := lockFolderHead(ctx, tx, folderID)
		if err != nil {
			return err
		}
		if err := store.CheckStage(f, keyID); err != nil {
			return err
		}

		for objID, sealed := range staged {
			if sealed == nil || sealed.KeyID != keyID {
				return fmt.Errorf("%w: staged payload for %s is not under key %s", terrors.ErrKeyRotationConflict, objID, keyID)
			}
			raw, err := json.Marshal(sealed)
			if err != nil {
				return fmt.Errorf("failed to encode object: %w", err)
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE objects SET staged = $3, staged_key_id = $4 WHERE id = $1 AND folder_id = $2`,
				objID, folderID, string(raw), keyID)
			if err != nil {
				return fmt.Errorf("error performing sql request: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return fmt.Errorf("%w: %s in folder %s", terrors.ErrObjectNotFound, objID, folderID)
			}
		}
		return nil
	})
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*store.Object, error) {
	var (
		obj            store.Object
		sealed, staged []byte
	)
	if err := row.Scan(&obj.ID, &obj.FolderID, &sealed, &staged, &obj.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sealed, &obj.Sealed); err != nil {
		return nil, fmt.Errorf("failed to decode object %s: %w", obj.ID, err)
	}
	if staged != nil {
		if err := json.Unmarshal(staged, &obj.Staged); err != nil {
			return nil, fmt.Errorf("failed to decode staged object %s: %w", obj.ID, err)
		}
	}
	return &obj, nil
}

// lockFolderHead reads the fields object writes are checked against and,
// inside a transaction, locks the folder row.
func lockFolderHead(ctx context.Context, db DBTX, id string) (*store.Folder, error) {
	query := `SELECT key_id, pending FROM folders WHERE id = $1`
	if _, ok := db.(*sql.Tx); ok {
		query += ` FOR UPDATE`
	}

	f := &store.Folder{ID: id}
	var pending []byte
	err := db.QueryRowContext(ctx, query, id).Scan(&f.KeyID, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", terrors.ErrFolderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	if f.Pending, err = unmarshalPending(pending); err != nil {
		return nil, err
	}
	return f, nil
}

func loadFolder(ctx context.Context, db DBTX, id string, forUpdate bool) (*store.Folder, error) {
	query := `SELECT id, org_id, parent_id, name, key_id, envelopes, pending, created_at
	          FROM folders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		f                  store.Folder
		parent             sql.NullString
		envelopes, pending []byte
	)
	err := db.QueryRowContext(ctx, query, id).Scan(
		&f.ID, &f.OrgID, &parent, &f.Name, &f.KeyID, &envelopes, &pending, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", terrors.ErrFolderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	f.ParentID = parent.String

	if err := json.Unmarshal(envelopes, &f.Envelopes); err != nil {
		return nil, fmt.Errorf("failed to decode envelopes of %s: %w", id, err)
	}
	if f.Pending, err = unmarshalPending(pending); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT entry FROM folder_upgrades WHERE folder_id = $1 ORDER BY sequence_number`, id)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var up upgrades.Upgrade
		if err := json.Unmarshal(raw, &up); err != nil {
			return nil, fmt.Errorf("failed to decode upgrade of %s: %w", id, err)
		}
		f.Upgrades = append(f.Upgrades, up)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &f, nil
}

// objectKeys returns the folder's objects carrying only key ids, which is
// all a promotion check needs.
func objectKeys(ctx context.Context, db DBTX, folderID string) ([]*store.Object, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, key_id, staged_key_id FROM objects WHERE folder_id = $1 ORDER BY created_at, id`, folderID)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	var out []*store.Object
	for rows.Next() {
		var (
			id, keyID string
			stagedKey sql.NullString
		)
		if err := rows.Scan(&id, &keyID, &stagedKey); err != nil {
			return nil, err
		}
		obj := &store.Object{ID: id, FolderID: folderID, Sealed: &secrets.Sealed{KeyID: keyID}}
		if stagedKey.Valid {
			obj.Staged = &secrets.Sealed{KeyID: stagedKey.String}
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func insertUpgrade(ctx context.Context, db DBTX, folderID string, up upgrades.Upgrade) error {
	raw, err := json.Marshal(up)
	if err != nil {
		return fmt.Errorf("failed to encode upgrade: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO folder_upgrades (folder_id, sequence_number, operation, entry)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (folder_id, sequence_number) DO NOTHING`,
		folderID, up.Sequence, string(up.Operation), string(raw))
	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: folder %s already has sequence %d", terrors.ErrKeyRotationConflict, folderID, up.Sequence)
	}
	return nil
}

// marshalPending returns nil for SQL NULL, or the JSON text.
func marshalPending(p *store.PendingRotation) (any, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending rotation: %w", err)
	}
	return string(raw), nil
}

func unmarshalPending(raw []byte) (*store.PendingRotation, error) {
	if raw == nil {
		return nil, nil
	}
	var p store.PendingRotation
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending rotation: %w", err)
	}
	return &p, nil
}

func nonNilEnvelopes(s secrets.EnvelopeSet) secrets.EnvelopeSet {
	if s == nil {
		return secrets.EnvelopeSet{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
