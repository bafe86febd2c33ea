// Package access resolves which principals must hold an envelope for a
// folder.
//
// The permission graph (orgs, users, groups, folder grants) belongs to the
// user-management subsystem. This package only reads it as data: Resolve is
// a pure function from a Graph to the set of principals, and Diff turns that
// set into the grant and revoke calls needed to reach it. Both are safe to
// repeat.
package access

import (
	"fmt"
	"slices"

	"github.com/PolarWolf314/tresor/internal/configs"
)

// SubjectKind is who a folder grant is given to.
type SubjectKind string

const (
	SubjectUser  SubjectKind = "user"
	SubjectGroup SubjectKind = "group"
	SubjectOrg   SubjectKind = "org"
)

// Level is the access a folder grant gives. Both levels need the folder key.
type Level string

const (
	LevelRead  Level = "read"
	LevelWrite Level = "write"
)

// Org-wide permissions. A group holding one reaches every folder of its org.
const (
	PermReadAllFolders          = "read_all_folders"
	PermWriteAllFolders         = "write_all_folders"
	PermManageFolderPermissions = "manage_folder_permissions"
)

// Catalog lists every permission a group may hold.
var Catalog = []string{
	PermManageFolderPermissions,
	PermReadAllFolders,
	PermWriteAllFolders,
}

type Org struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	// KeyHolder makes the org's own principal hold an envelope for every
	// folder of the org.
	KeyHolder bool `toml:"key_holder"`
}

type User struct {
	ID     string `toml:"id"`
	OrgID  string `toml:"org"`
	Active bool   `toml:"active"`
}

type Group struct {
	ID          string   `toml:"id"`
	OrgID       string   `toml:"org"`
	Members     []string `toml:"members"`
	Permissions []string `toml:"permissions"`
}

type Folder struct {
	ID       string `toml:"id"`
	OrgID    string `toml:"org"`
	ParentID string `toml:"parent,omitempty"`
}

// Subject names a user, group or org.
type Subject struct {
	Kind SubjectKind `toml:"kind"`
	ID   string      `toml:"id"`
}

func (s Subject) String() string { return string(s.Kind) + ":" + s.ID }

// FolderGrant gives a subject access to a folder and its descendants.
type FolderGrant struct {
	FolderID string  `toml:"folder"`
	Subject  Subject `toml:"subject"`
	Level    Level   `toml:"level"`
}

// Graph is a snapshot of the permission graph.
type Graph struct {
	// Permissions is the seeded permission catalog.
	Permissions []string      `toml:"permissions"`
	Orgs        []Org         `toml:"orgs"`
	Users       []User        `toml:"users"`
	Groups      []Group       `toml:"groups"`
	Folders     []Folder      `toml:"folders"`
	Grants      []FolderGrant `toml:"grants"`
}

// LoadGraph reads a graph from a TOML file.
func LoadGraph(path string) (*Graph, error) {
	g := &Graph{}
	if err := configs.LoadTOML(path, g); err != nil {
		return nil, fmt.Errorf("failed to load permission graph: %w", err)
	}
	return g, nil
}

// SaveGraph writes g to a TOML file.
func SaveGraph(path string, g *Graph) error {
	if err := configs.SaveTOML(path, g); err != nil {
		return fmt.Errorf("failed to save permission graph: %w", err)
	}
	return nil
}

// EnsureSeeded adds any catalog permission missing from g.Permissions and
// reports whether it changed anything. Calling it again is a no-op.
func (g *Graph) EnsureSeeded() bool {
	changed := false
	for _, p := range Catalog {
		if !slices.Contains(g.Permissions, p) {
			g.Permissions = append(g.Permissions, p)
			changed = true
		}
	}
	if changed {
		slices.Sort(g.Permissions)
	}
	return changed
}

// Validate checks that every reference in g resolves.
func (g *Graph) Validate() error {
	idx, err := g.index()
	if err != nil {
		return err
	}

	for _, grp := range g.Groups {
		for _, m := range grp.Members {
			u, ok := idx.users[m]
			if !ok {
				return fmt.Errorf("group %s: unknown member %s", grp.ID, m)
			}
			if u.OrgID != grp.OrgID {
				return fmt.Errorf("group %s: member %s belongs to org %s", grp.ID, m, u.OrgID)
			}
		}
		for _, p := range grp.Permissions {
			if !slices.Contains(g.Permissions, p) {
				return fmt.Errorf("group %s: permission %q is not seeded", grp.ID, p)
			}
		}
	}

	for _, f := range g.Folders {
		if _, err := idx.ancestors(f.ID); err != nil {
			return err
		}
	}

	for _, gr := range g.Grants {
		if _, ok := idx.folders[gr.FolderID]; !ok {
			return fmt.Errorf("grant on unknown folder %s", gr.FolderID)
		}
		if gr.Level != LevelRead && gr.Level != LevelWrite {
			return fmt.Errorf("grant on %s: unknown level %q", gr.FolderID, gr.Level)
		}
		var known bool
		switch gr.Subject.Kind {
		case SubjectUser:
			_, known = idx.users[gr.Subject.ID]
		case SubjectGroup:
			_, known = idx.groups[gr.Subject.ID]
		case SubjectOrg:
			_, known = idx.orgs[gr.Subject.ID]
		}
		if !known {
			return fmt.Errorf("grant on %s: unknown subject %s", gr.FolderID, gr.Subject)
		}
	}
	return nil
}

type index struct {
	orgs    map[string]Org
	users   map[string]User
	groups  map[string]Group
	folders map[string]Folder
}

func (g *Graph) index() (*index, error) {
	idx := &index{
		orgs:    make(map[string]Org, len(g.Orgs)),
		users:   make(map[string]User, len(g.Users)),
		groups:  make(map[string]Group, len(g.Groups)),
		folders: make(map[string]Folder, len(g.Folders)),
	}
	for _, o := range g.Orgs {
		if _, dup := idx.orgs[o.ID]; dup {
			return nil, fmt.Errorf("duplicate org %s", o.ID)
		}
		idx.orgs[o.ID] = o
	}
	for _, u := range g.Users {
		if _, dup := idx.users[u.ID]; dup {
			return nil, fmt.Errorf("duplicate user %s", u.ID)
		}
		idx.users[u.ID] = u
	}
	for _, grp := range g.Groups {
		if _, dup := idx.groups[grp.ID]; dup {
			return nil, fmt.Errorf("duplicate group %s", grp.ID)
		}
		idx.groups[grp.ID] = grp
	}
	for _, f := range g.Folders {
		if _, dup := idx.folders[f.ID]; dup {
			return nil, fmt.Errorf("duplicate folder %s", f.ID)
		}
		idx.folders[f.ID] = f
	}
	return idx, nil
}

// ancestors returns the folder followed by its parents up to the root.
func (idx *index) ancestors(folderID string) ([]Folder, error) {
	var chain []Folder
	seen := map[string]bool{}
	for id := folderID; id != ""; {
		f, ok := idx.folders[id]
		if !ok {
			return nil, fmt.Errorf("unknown folder %s", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("folder %s: parent cycle", folderID)
		}
		if len(chain) > 0 && f.OrgID != chain[0].OrgID {
			return nil, fmt.Errorf("folder %s: parent %s belongs to org %s", folderID, f.ID, f.OrgID)
		}
		seen[id] = true
		chain = append(chain, f)
		id = f.ParentID
	}
	return chain, nil
}
