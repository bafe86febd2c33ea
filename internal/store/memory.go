package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/secrets"
)

// snapshot is the complete store contents. It is also the FileStore format.
type snapshot struct {
	Version  int                         `json:"version"`
	KeyPairs map[string]*secrets.KeyPair `json:"key_pairs"`
	Folders  map[string]*Folder          `json:"folders"`
	Objects  map[string]*Object          `json:"objects"`
}

const snapshotVersion = 1

func newSnapshot() *snapshot {
	return &snapshot{
		Version:  snapshotVersion,
		KeyPairs: map[string]*secrets.KeyPair{},
		Folders:  map[string]*Folder{},
		Objects:  map[string]*Object{},
	}
}

// clone copies the maps and folders. Key pairs and sealed payloads are
// replaced, never mutated, so they are shared.
func (s *snapshot) clone() *snapshot {
	out := &snapshot{
		Version:  s.Version,
		KeyPairs: make(map[string]*secrets.KeyPair, len(s.KeyPairs)),
		Folders:  make(map[string]*Folder, len(s.Folders)),
		Objects:  make(map[string]*Object, len(s.Objects)),
	}
	for k, v := range s.KeyPairs {
		out.KeyPairs[k] = v
	}
	for k, v := range s.Folders {
		out.Folders[k] = v.Clone()
	}
	for k, v := range s.Objects {
		o := *v
		out.Objects[k] = &o
	}
	return out
}

func (s *snapshot) folderObjects(folderID string) []*Object {
	var objs []*Object
	for _, o := range s.Objects {
		if o.FolderID == folderID {
			objs = append(objs, o)
		}
	}
	sortObjects(objs)
	return objs
}

func sortObjects(objs []*Object) {
	sort.Slice(objs, func(i, j int) bool {
		if !objs[i].CreatedAt.Equal(objs[j].CreatedAt) {
			return objs[i].CreatedAt.Before(objs[j].CreatedAt)
		}
		return objs[i].ID < objs[j].ID
	})
}

// MemoryStore keeps everything in process memory.
// Mutations are copy-on-write so a failed update leaves no trace.
type MemoryStore struct {
	mu   sync.RWMutex
	data *snapshot

	// persist, when set, must durably record next before it becomes visible.
	persist func(next *snapshot) error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newSnapshot()}
}

func (m *MemoryStore) read(fn func(s *snapshot) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.data)
}

func (m *MemoryStore) mutate(fn func(next *snapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.data.clone()
	if err := fn(next); err != nil {
		return err
	}
	if m.persist != nil {
		if err := m.persist(next); err != nil {
			return err
		}
	}
	m.data = next
	return nil
}

func (m *MemoryStore) CreateKeyPair(_ context.Context, kp *secrets.KeyPair) error {
	return m.mutate(func(s *snapshot) error {
		if _, ok := s.KeyPairs[kp.Principal.ID]; ok {
			return fmt.Errorf("%w: %s", terrors.ErrPublicKeyExists, kp.Principal.ID)
		}
		s.KeyPairs[kp.Principal.ID] = kp
		return nil
	})
}

func (m *MemoryStore) GetKeyPair(_ context.Context, principalID string) (*secrets.KeyPair, error) {
	var kp *secrets.KeyPair
	err := m.read(func(s *snapshot) error {
		var ok bool
		if kp, ok = s.KeyPairs[principalID]; !ok {
			return fmt.Errorf("%w: %s", terrors.ErrPrincipalNotFound, principalID)
		}
		return nil
	})
	return kp, err
}

func (m *MemoryStore) ReplaceKeyPair(_ context.Context, kp *secrets.KeyPair) error {
	return m.mutate(func(s *snapshot) error {
		cur, ok := s.KeyPairs[kp.Principal.ID]
		if !ok {
			return fmt.Errorf("%w: %s", terrors.ErrPrincipalNotFound, kp.Principal.ID)
		}
		if kp.Generation != cur.Generation+1 {
			return fmt.Errorf("%w: key pair generation %d does not follow %d", terrors.ErrKeyRotationConflict, kp.Generation, cur.Generation)
		}
		s.KeyPairs[kp.Principal.ID] = kp
		return nil
	})
}

func (m *MemoryStore) CreateFolder(_ context.Context, f *Folder) error {
	return m.mutate(func(s *snapshot) error {
		if _, ok := s.Folders[f.ID]; ok {
			return fmt.Errorf("%w: %s", terrors.ErrFolderExists, f.ID)
		}
		if f.ParentID != "" {
			if _, ok := s.Folders[f.ParentID]; !ok {
				return fmt.Errorf("%w: parent %s", terrors.ErrFolderNotFound, f.ParentID)
			}
		}
		s.Folders[f.ID] = f.Clone()
		return nil
	})
}

func (m *MemoryStore) GetFolder(_ context.Context, id string) (*Folder, error) {
	var f *Folder
	err := m.read(func(s *snapshot) error {
		cur, ok := s.Folders[id]
		if !ok {
			return fmt.Errorf("%w: %s", terrors.ErrFolderNotFound, id)
		}
		f = cur.Clone()
		return nil
	})
	return f, err
}

func (m *MemoryStore) ListFolders(_ context.Context) ([]*Folder, error) {
	var out []*Folder
	err := m.read(func(s *snapshot) error {
		for _, f := range s.Folders {
			out = append(out, f.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (m *MemoryStore) UpdateFolder(_ context.Context, id string, u FolderUpdate) (*Folder, error) {
	var result *Folder
	err := m.mutate(func(s *snapshot) error {
		f, ok := s.Folders[id]
		if !ok {
			return fmt.Errorf("%w: %s", terrors.ErrFolderNotFound, id)
		}
		promoted, err := ApplyFolderUpdate(f, s.folderObjects(id), u)
		if err != nil {
			return err
		}
		for objID, sealed := range promoted {
			o := s.Objects[objID]
			o.Sealed = sealed
			o.Staged = nil
		}
		result = f.Clone()
		return nil
	})
	return result, err
}

func (m *MemoryStore) PutObject(_ context.Context, obj *Object) error {
	return m.mutate(func(s *snapshot) error {
		if _, ok := s.Objects[obj.ID]; ok {
			return fmt.Errorf("object %s already exists", obj.ID)
		}
		f, ok := s.Folders[obj.FolderID]
		if !ok {
			return fmt.Errorf("%w: %s", terrors.ErrFolderNotFound, obj.FolderID)
		}
		if err := CheckPut(f, obj); err != nil {
			return err
		}
		o := *obj
		o.Staged = nil
		s.Objects[obj.ID] = &o
		return nil
	})
}

func (m *MemoryStore) GetObject(_ context.Context, id string) (*Object, error) {
	var obj *Object
	err := m.read(func(s *snapshot) error {
		cur, ok := s.Objects[id]
		if !ok {
			return fmt.Errorf("%w: %s", terrors.ErrObjectNotFound, id)
		}
		o := *cur
		obj = &o
		return nil
	})
	return obj, err
}

func (m *MemoryStore) ListObjects(_ context.Context, folderID string) ([]*Object, error) {
	var out []*Object
	err := m.read(func(s *snapshot) error {
		if _, ok := s.Folders[folderID]; !ok {
			return fmt.Errorf("%w: %s", terrors.ErrFolderNotFound, folderID)
		}
		for _, o := range s.folderObjects(folderID) {
			c := *o
			out = append(out, &c)
		}
		return nil
	})
	return out, err
}

func (m *MemoryStore) StageObjects(_ context.Context, folderID, keyID string, staged map[string]*secrets.Sealed) error {
	return m.mutate(func(s *snapshot) error {
		f, ok := s.Folders[folderID]
		if !ok {
			return fmt.Errorf("%w: %s", terrors.ErrFolderNotFound, folderID)
		}
		if err := CheckStage(f, keyID); err != nil {
			return err
		}
		for objID, sealed := range staged {
			o, ok := s.Objects[objID]
			if !ok || o.FolderID != folderID {
				return fmt.Errorf("%w: %s in folder %s", terrors.ErrObjectNotFound, objID, folderID)
			}
			if sealed == nil || sealed.KeyID != keyID {
				return fmt.Errorf("%w: staged payload for %s is not under key %s", terrors.ErrKeyRotationConflict, objID, keyID)
			}
			o.Staged = sealed
		}
		return nil
	})
}

func (m *MemoryStore) Close() error { return nil }
