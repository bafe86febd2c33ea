package access

import (
	"os"
	"path/filepath"
	"testing"

	terrors "github.com/PolarWolf314/tresor/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph() *Graph {
	g := &Graph{
		Orgs: []Org{{ID: "acme", KeyHolder: true}, {ID: "other"}},
		Users: []User{
			{ID: "alice", OrgID: "acme", Active: true},
			{ID: "bob", OrgID: "acme", Active: true},
			{ID: "carol", OrgID: "acme", Active: true},
			{ID: "dave", OrgID: "acme", Active: false},
			{ID: "erin", OrgID: "acme", Active: true},
			{ID: "mallory", OrgID: "other", Active: true},
		},
		Groups: []Group{
			{ID: "admins", OrgID: "acme", Members: []string{"alice"}, Permissions: []string{PermManageFolderPermissions}},
			{ID: "lawyers", OrgID: "acme", Members: []string{"bob", "dave"}},
			{ID: "outsiders", OrgID: "other", Members: []string{"mallory"}, Permissions: []string{PermReadAllFolders}},
		},
		Folders: []Folder{
			{ID: "cases", OrgID: "acme"},
			{ID: "case-1", OrgID: "acme", ParentID: "cases"},
			{ID: "case-2", OrgID: "acme", ParentID: "cases"},
		},
		Grants: []FolderGrant{
			{FolderID: "cases", Subject: Subject{Kind: SubjectGroup, ID: "lawyers"}, Level: LevelRead},
			{FolderID: "case-1", Subject: Subject{Kind: SubjectUser, ID: "carol"}, Level: LevelWrite},
			{FolderID: "case-1", Subject: Subject{Kind: SubjectUser, ID: "mallory"}, Level: LevelWrite},
		},
	}
	g.EnsureSeeded()
	return g
}

func TestResolve_ExpandsGroupsInheritanceAndOrgPermissions(t *testing.T) {
	g := testGraph()
	require.NoError(t, g.Validate())

	grants, err := Resolve(g, "case-1")
	require.NoError(t, err)

	// dave is inactive, mallory is in another org, erin has no rule.
	assert.Equal(t, []string{"acme", "alice", "bob", "carol"}, Principals(grants))

	byID := map[string]Grant{}
	for _, gr := range grants {
		assert.Equal(t, "case-1", gr.FolderID)
		byID[gr.PrincipalID] = gr
	}
	assert.Equal(t, "permission:manage_folder_permissions@group:admins", byID["alice"].EffectiveFrom)
	assert.Equal(t, "group:lawyers@cases", byID["bob"].EffectiveFrom)
	assert.Equal(t, LevelRead, byID["bob"].Level)
	assert.Equal(t, "user:carol", byID["carol"].EffectiveFrom)
	assert.Equal(t, LevelWrite, byID["carol"].Level)
	assert.Equal(t, "org-key:acme", byID["acme"].EffectiveFrom)

	sibling, err := Resolve(g, "case-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "alice", "bob"}, Principals(sibling))
}

func TestResolve_OrgSubject(t *testing.T) {
	g := testGraph()
	g.Orgs[0].KeyHolder = false
	g.Grants = append(g.Grants, FolderGrant{FolderID: "case-2", Subject: Subject{Kind: SubjectOrg, ID: "acme"}, Level: LevelRead})

	grants, err := Resolve(g, "case-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol", "erin"}, Principals(grants))
}

func TestResolve_Idempotent(t *testing.T) {
	g := testGraph()
	first, err := Resolve(g, "case-1")
	require.NoError(t, err)
	second, err := Resolve(g, "case-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolve_UnknownFolder(t *testing.T) {
	_, err := Resolve(testGraph(), "nope")
	assert.ErrorIs(t, err, terrors.ErrFolderNotFound)
}

func TestResolve_ParentCycle(t *testing.T) {
	g := testGraph()
	g.Folders[0].ParentID = "case-1"
	_, err := Resolve(g, "case-1")
	assert.ErrorContains(t, err, "cycle")
	assert.Error(t, g.Validate())
}

func TestDiff(t *testing.T) {
	target := []Grant{{PrincipalID: "alice"}, {PrincipalID: "carol"}, {PrincipalID: "bob"}}

	toGrant, toRevoke := Diff(target, []string{"bob", "dave", "alice"})
	assert.Equal(t, []string{"carol"}, toGrant)
	assert.Equal(t, []string{"dave"}, toRevoke)

	toGrant, toRevoke = Diff(target, []string{"alice", "bob", "carol"})
	assert.Empty(t, toGrant)
	assert.Empty(t, toRevoke)
}

func TestEnsureSeeded(t *testing.T) {
	g := &Graph{Permissions: []string{PermReadAllFolders}}
	assert.True(t, g.EnsureSeeded())
	assert.Equal(t, Catalog, g.Permissions)
	assert.False(t, g.EnsureSeeded())
	assert.Equal(t, Catalog, g.Permissions)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(g *Graph)
		want   string
	}{
		{"unseeded permission", func(g *Graph) { g.Groups[0].Permissions = []string{"fly"} }, "not seeded"},
		{"unknown member", func(g *Graph) { g.Groups[1].Members = append(g.Groups[1].Members, "ghost") }, "unknown member"},
		{"cross-org member", func(g *Graph) { g.Groups[1].Members = append(g.Groups[1].Members, "mallory") }, "belongs to org"},
		{"unknown grant folder", func(g *Graph) { g.Grants[0].FolderID = "ghost" }, "unknown folder"},
		{"unknown level", func(g *Graph) { g.Grants[0].Level = "admin" }, "unknown level"},
		{"unknown subject", func(g *Graph) { g.Grants[0].Subject.ID = "ghost" }, "unknown subject"},
		{"duplicate user", func(g *Graph) { g.Users = append(g.Users, User{ID: "alice"}) }, "duplicate user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGraph()
			tt.mutate(g)
			assert.ErrorContains(t, g.Validate(), tt.want)
		})
	}
}

func TestLoadGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.toml")
	doc := `
permissions = ["read_all_folders"]

[[orgs]]
id = "acme"

[[users]]
id = "alice"
org = "acme"
active = true

[[groups]]
id = "staff"
org = "acme"
members = ["alice"]

[[folders]]
id = "root"
org = "acme"

[[folders]]
id = "child"
org = "acme"
parent = "root"

[[grants]]
folder = "root"
level = "read"
subject = { kind = "group", id = "staff" }
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	g, err := LoadGraph(path)
	require.NoError(t, err)
	g.EnsureSeeded()
	require.NoError(t, g.Validate())

	grants, err := Resolve(g, "child")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "alice", grants[0].PrincipalID)
	assert.Equal(t, "group:staff@root", grants[0].EffectiveFrom)

	out := filepath.Join(t.TempDir(), "saved.toml")
	require.NoError(t, SaveGraph(out, g))
	reloaded, err := LoadGraph(out)
	require.NoError(t, err)
	assert.Equal(t, g.Grants, reloaded.Grants)
	assert.Equal(t, g.Permissions, reloaded.Permissions)
}
