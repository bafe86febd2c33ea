package workflows_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/PolarWolf314/tresor/internal/access"
	"github.com/PolarWolf314/tresor/internal/configs"
	terrors "github.com/PolarWolf314/tresor/internal/errors"
	"github.com/PolarWolf314/tresor/internal/workflows"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legalGraph() *access.Graph {
	return &access.Graph{
		Orgs: []access.Org{{ID: "acme", Name: "Acme"}},
		Users: []access.User{
			{ID: "alice", OrgID: "acme", Active: true},
			{ID: "bob", OrgID: "acme", Active: true},
			{ID: "carol", OrgID: "acme", Active: true},
		},
		Groups: []access.Group{
			{ID: "lawyers", OrgID: "acme", Members: []string{"alice", "bob", "carol"}},
		},
		Folders: []access.Folder{
			{ID: "cases", OrgID: "acme"},
			{ID: "case-1", OrgID: "acme", ParentID: "cases"},
			{ID: "drafts", OrgID: "acme"},
		},
		Grants: []access.FolderGrant{
			{FolderID: "cases", Subject: access.Subject{Kind: access.SubjectGroup, ID: "lawyers"}, Level: access.LevelRead},
		},
	}
}

func TestSyncFolderAccess(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)
	ctx := context.Background()
	register(t, e, "alice", "bob") // carol has no key pair yet

	createFolder(t, e, "cases", "alice")
	_, err := e.CreateFolder(ctx, workflows.CreateFolderOptions{ID: "case-1", ParentID: "cases", Owner: "alice"})
	require.NoError(t, err)
	objectID := encrypt(t, e, "alice", "case-1", "deposition")
	// drafts is in the graph but was never created.

	g := legalGraph()
	require.NoError(t, access.SaveGraph(cfg.Access.Graph, g))

	res, err := e.SyncFolderAccess(ctx, workflows.SyncOptions{Actor: creds("alice")})
	require.NoError(t, err)
	assert.True(t, res.Seeded)
	assert.True(t, res.Changed())
	require.Len(t, res.Folders, 2)
	for _, fs := range res.Folders {
		assert.Empty(t, fs.Revoked)
		require.Len(t, fs.Skipped, 1)
		assert.Equal(t, "carol", fs.Skipped[0].PrincipalID)
		assert.Equal(t, []string{"alice", "bob", "carol"}, access.Principals(fs.Target))
	}
	// The grant on cases already reached case-1.
	assert.Equal(t, "cases", res.Folders[0].FolderID)
	assert.Equal(t, []string{"bob"}, res.Folders[0].Granted)
	assert.Equal(t, "case-1", res.Folders[1].FolderID)
	assert.Empty(t, res.Folders[1].Granted)
	assert.Equal(t, "group:lawyers@cases", res.Folders[1].Target[0].EffectiveFrom)

	// The seeded catalog was written back.
	saved, err := access.LoadGraph(cfg.Access.Graph)
	require.NoError(t, err)
	assert.Equal(t, access.Catalog, saved.Permissions)

	got, err := decrypt(e, "bob", objectID)
	require.NoError(t, err)
	assert.Equal(t, "deposition", got)

	// Unchanged graph: nothing to do.
	again, err := e.SyncFolderAccess(ctx, workflows.SyncOptions{Actor: creds("alice")})
	require.NoError(t, err)
	assert.False(t, again.Seeded)
	assert.False(t, again.Changed())

	// bob leaves the org.
	saved.Users[1].Active = false
	require.NoError(t, access.SaveGraph(cfg.Access.Graph, saved))

	// case-1 alone cannot drop bob while bob holds cases.
	res, err = e.SyncFolderAccess(ctx, workflows.SyncOptions{Actor: creds("alice"), FolderIDs: []string{"case-1"}})
	require.NoError(t, err)
	require.Len(t, res.Folders, 1)
	assert.Empty(t, res.Folders[0].Revoked)
	require.Len(t, res.Folders[0].Skipped, 2)
	assert.Equal(t, "bob", res.Folders[0].Skipped[1].PrincipalID)
	assert.Equal(t, "access is inherited from the parent folder", res.Folders[0].Skipped[1].Reason)

	// Listed child first, synced parent first.
	res, err = e.SyncFolderAccess(ctx, workflows.SyncOptions{Actor: creds("alice"), FolderIDs: []string{"case-1", "cases"}})
	require.NoError(t, err)
	require.Len(t, res.Folders, 2)
	assert.Equal(t, "cases", res.Folders[0].FolderID)
	assert.Equal(t, []string{"bob"}, res.Folders[0].Revoked)
	assert.Empty(t, res.Folders[1].Revoked)

	_, err = decrypt(e, "bob", objectID)
	assert.ErrorIs(t, err, terrors.ErrAccessDenied)

	status, err := e.FolderStatus(ctx, workflows.StatusOptions{FolderID: "case-1"})
	require.NoError(t, err)
	assert.Equal(t, res.Folders[1].KeyID, status.KeyID)
	assert.Equal(t, 2, status.Generation)
	assert.Len(t, status.Holders, 1)
}

func TestSyncFolderAccess_DryRun(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)
	ctx := context.Background()
	register(t, e, "alice", "bob")
	createFolder(t, e, "drafts", "alice")

	g := legalGraph()
	g.Grants = append(g.Grants, access.FolderGrant{
		FolderID: "drafts",
		Subject:  access.Subject{Kind: access.SubjectUser, ID: "bob"},
		Level:    access.LevelWrite,
	})
	require.NoError(t, access.SaveGraph(cfg.Access.Graph, g))
	before, err := os.ReadFile(cfg.Access.Graph)
	require.NoError(t, err)

	res, err := e.SyncFolderAccess(ctx, workflows.SyncOptions{Actor: creds("alice"), FolderIDs: []string{"drafts"}, DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.True(t, res.Seeded)
	require.Len(t, res.Folders, 1)
	assert.Equal(t, []string{"bob"}, res.Folders[0].Granted)

	status, err := e.FolderStatus(ctx, workflows.StatusOptions{FolderID: "drafts"})
	require.NoError(t, err)
	assert.Len(t, status.Holders, 1)

	after, err := os.ReadFile(cfg.Access.Graph)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSyncFolderAccess_ActorNotRevoked(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)
	ctx := context.Background()
	register(t, e, "alice")
	createFolder(t, e, "drafts", "alice")

	// Nobody is granted drafts, not even its owner.
	require.NoError(t, access.SaveGraph(cfg.Access.Graph, legalGraph()))

	res, err := e.SyncFolderAccess(ctx, workflows.SyncOptions{Actor: creds("alice"), FolderIDs: []string{"drafts"}})
	require.NoError(t, err)
	require.Len(t, res.Folders, 1)
	assert.Empty(t, res.Folders[0].Revoked)
	require.Len(t, res.Folders[0].Skipped, 1)
	assert.Equal(t, "alice", res.Folders[0].Skipped[0].PrincipalID)
}

func TestSyncFolderAccess_Errors(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)
	ctx := context.Background()
	register(t, e, "alice")

	_, err := e.SyncFolderAccess(ctx, workflows.SyncOptions{Actor: creds("alice")})
	assert.ErrorContains(t, err, "permission graph")

	g := legalGraph()
	g.Folders = append(g.Folders, access.Folder{ID: "loop", OrgID: "acme", ParentID: "loop"})
	require.NoError(t, access.SaveGraph(cfg.Access.Graph, g))
	_, err = e.SyncFolderAccess(ctx, workflows.SyncOptions{Actor: creds("alice")})
	assert.ErrorContains(t, err, "invalid permission graph")

	require.NoError(t, access.SaveGraph(cfg.Access.Graph, legalGraph()))
	_, err = e.SyncFolderAccess(ctx, workflows.SyncOptions{Actor: creds("alice"), FolderIDs: []string{"drafts"}})
	assert.ErrorIs(t, err, terrors.ErrFolderNotFound)
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	res, err := workflows.Init(ctx, workflows.InitOptions{Root: root, OrgID: "acme", OrgKeyHolder: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".tresor", "config.toml"), res.ConfigPath)
	assert.Equal(t, filepath.Join(root, ".tresor", "access.toml"), res.GraphPath)

	cfg, err := configs.Load(res.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, configs.Default(), cfg)

	g, err := access.LoadGraph(res.GraphPath)
	require.NoError(t, err)
	assert.Equal(t, access.Catalog, g.Permissions)
	require.Len(t, g.Orgs, 1)
	assert.True(t, g.Orgs[0].KeyHolder)

	_, err = workflows.Init(ctx, workflows.InitOptions{Root: root})
	assert.ErrorIs(t, err, terrors.ErrWorkspaceExists)

	_, err = workflows.Init(ctx, workflows.InitOptions{Root: t.TempDir(), OrgID: "Not Valid"})
	assert.ErrorContains(t, err, "invalid organization id")
}
