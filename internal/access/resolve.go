package access

import (
	"fmt"
	"slices"
	"sort"

	terrors "github.com/PolarWolf314/tresor/internal/errors"
)

// Grant is one principal that must hold the folder key. It is derived and
// never stored.
type Grant struct {
	PrincipalID string
	FolderID    string
	// EffectiveFrom names the rule that gave access, e.g. "group:lawyers"
	// or "permission:read_all_folders@group:admins". When several rules
	// apply the smallest name is kept.
	EffectiveFrom string
	Level         Level
}

// Resolve returns the principals that must hold an envelope for folderID,
// sorted by principal id. Only active users of the folder's org are
// included, plus the org's own principal when it is a key holder.
func Resolve(g *Graph, folderID string) ([]Grant, error) {
	idx, err := g.index()
	if err != nil {
		return nil, err
	}
	if _, ok := idx.folders[folderID]; !ok {
		return nil, fmt.Errorf("%w: %s is not in the permission graph", terrors.ErrFolderNotFound, folderID)
	}
	chain, err := idx.ancestors(folderID)
	if err != nil {
		return nil, err
	}
	orgID := chain[0].OrgID

	found := map[string]Grant{}
	add := func(principalID, from string, level Level) {
		if principalID != orgID {
			u, ok := idx.users[principalID]
			if !ok || !u.Active || u.OrgID != orgID {
				return
			}
		}
		next := Grant{PrincipalID: principalID, FolderID: folderID, EffectiveFrom: from, Level: level}
		prev, ok := found[principalID]
		if !ok {
			found[principalID] = next
			return
		}
		if from < prev.EffectiveFrom {
			prev.EffectiveFrom = from
		}
		if level == LevelWrite {
			prev.Level = LevelWrite
		}
		found[principalID] = prev
	}

	expand := func(s Subject, from string, level Level) {
		switch s.Kind {
		case SubjectUser:
			add(s.ID, from, level)
		case SubjectGroup:
			if grp, ok := idx.groups[s.ID]; ok && grp.OrgID == orgID {
				for _, m := range grp.Members {
					add(m, from, level)
				}
			}
		case SubjectOrg:
			if s.ID != orgID {
				return
			}
			for _, u := range g.Users {
				if u.OrgID == orgID {
					add(u.ID, from, level)
				}
			}
		}
	}

	if org, ok := idx.orgs[orgID]; ok && org.KeyHolder {
		add(org.ID, "org-key:"+org.ID, LevelWrite)
	}

	for _, grp := range g.Groups {
		if grp.OrgID != orgID {
			continue
		}
		for _, p := range grp.Permissions {
			level := LevelRead
			switch p {
			case PermWriteAllFolders, PermManageFolderPermissions:
				level = LevelWrite
			case PermReadAllFolders:
			default:
				continue
			}
			expand(Subject{Kind: SubjectGroup, ID: grp.ID}, "permission:"+p+"@group:"+grp.ID, level)
		}
	}

	inChain := make(map[string]bool, len(chain))
	for _, f := range chain {
		inChain[f.ID] = true
	}
	for _, gr := range g.Grants {
		if !inChain[gr.FolderID] {
			continue
		}
		from := gr.Subject.String()
		if gr.FolderID != folderID {
			from += "@" + gr.FolderID
		}
		expand(gr.Subject, from, gr.Level)
	}

	grants := make([]Grant, 0, len(found))
	for _, gr := range found {
		grants = append(grants, gr)
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].PrincipalID < grants[j].PrincipalID })
	return grants, nil
}

// Principals returns the principal ids of grants.
func Principals(grants []Grant) []string {
	ids := make([]string, len(grants))
	for i, g := range grants {
		ids[i] = g.PrincipalID
	}
	return ids
}

// Diff returns the principals that must be granted and revoked to move
// from current to target. Both results are sorted.
func Diff(target []Grant, current []string) (toGrant, toRevoke []string) {
	want := make(map[string]bool, len(target))
	for _, g := range target {
		want[g.PrincipalID] = true
	}
	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[id] = true
	}

	for id := range want {
		if !have[id] {
			toGrant = append(toGrant, id)
		}
	}
	for id := range have {
		if !want[id] {
			toRevoke = append(toRevoke, id)
		}
	}
	slices.Sort(toGrant)
	slices.Sort(toRevoke)
	return toGrant, toRevoke
}
