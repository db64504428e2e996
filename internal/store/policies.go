package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mergegate/mergegate/internal/policy"
)

// PutPolicy stores a new policy version at the given scope. Policies
// are append-only: the most recent row per scope is the current one.
func (s *Store) PutPolicy(ctx context.Context, orgID, repoID string, p *policy.Policy, now time.Time) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("store: put policy: %w", err)
	}
	if p.Scope == policy.ScopeRepo && repoID == "" {
		return fmt.Errorf("store: put policy: repo-scoped policy requires a repo id")
	}
	if p.Scope == policy.ScopeOrg {
		repoID = ""
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal policy: %w", err)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO policies (org_id, repo_id, scope, version, checksum, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{orgID, repoID, p.Scope, p.Version, p.Checksum(), string(body), now.UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("store: insert policy: %w", err)
	}

	s.logger.Info("policy stored",
		"org", orgID,
		"repo", repoID,
		"scope", p.Scope,
		"version", p.Version,
		"checksum", p.Checksum(),
	)
	return nil
}

// OrgPolicy returns the most recent org-scoped policy, or nil if the
// organization has none. Implements policy.Source.
func (s *Store) OrgPolicy(ctx context.Context, orgID string) (*policy.Policy, error) {
	return s.latestPolicy(ctx, orgID, "", policy.ScopeOrg)
}

// RepoPolicy returns the most recent repo-scoped policy, or nil.
// Implements policy.Source.
func (s *Store) RepoPolicy(ctx context.Context, orgID, repoID string) (*policy.Policy, error) {
	return s.latestPolicy(ctx, orgID, repoID, policy.ScopeRepo)
}

func (s *Store) latestPolicy(ctx context.Context, orgID, repoID, scope string) (*policy.Policy, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var body string
	err = sqlitex.Execute(conn,
		`SELECT body FROM policies
		 WHERE org_id = ? AND repo_id = ? AND scope = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{orgID, repoID, scope},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				body = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: query policy: %w", err)
	}
	if body == "" {
		return nil, nil
	}

	var p policy.Policy
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("store: unmarshal policy: %w", err)
	}
	return &p, nil
}
