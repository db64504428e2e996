package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mergegate/mergegate/internal/waiver"
)

// PutWaiver stores a waiver. Expired waivers are never deleted by the
// system — they stop applying but stay on record for audit.
func (s *Store) PutWaiver(ctx context.Context, w *waiver.Waiver) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("store: put waiver: %w", err)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.put(conn)

	var expiresAt any
	if w.ExpiresAt != nil {
		expiresAt = w.ExpiresAt.UnixNano()
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO waivers (id, org_id, repo_id, rule_id, scope, scope_value,
		                      reason, approved_by, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				w.ID, w.OrgID, w.RepoID, w.RuleID, string(w.Scope), w.ScopeValue,
				w.Reason, w.ApprovedBy, w.CreatedAt.UnixNano(), expiresAt,
			},
		})
	if err != nil {
		return fmt.Errorf("store: insert waiver: %w", err)
	}

	s.logger.Info("waiver stored",
		"waiver", w.ID,
		"rule", w.RuleID,
		"scope", w.Scope,
		"approved_by", w.ApprovedBy,
	)
	return nil
}

// DeleteWaiver removes a waiver by id. Deletion is an authorized,
// audited action — callers must append the matching event to the
// evidence chain. Returns false if no such waiver existed.
func (s *Store) DeleteWaiver(ctx context.Context, id string) (bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return false, err
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM waivers WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return false, fmt.Errorf("store: delete waiver: %w", err)
	}
	return conn.Changes() > 0, nil
}

// Waivers returns every waiver for the (org, repo) pair, including
// expired ones, in creation order.
func (s *Store) Waivers(ctx context.Context, orgID, repoID string) ([]waiver.Waiver, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var waivers []waiver.Waiver
	err = sqlitex.Execute(conn,
		`SELECT id, org_id, repo_id, rule_id, scope, scope_value,
		        reason, approved_by, created_at, expires_at
		 FROM waivers
		 WHERE org_id = ? AND repo_id = ?
		 ORDER BY created_at ASC, id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{orgID, repoID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				w := waiver.Waiver{
					ID:         stmt.ColumnText(0),
					OrgID:      stmt.ColumnText(1),
					RepoID:     stmt.ColumnText(2),
					RuleID:     stmt.ColumnText(3),
					Scope:      waiver.Scope(stmt.ColumnText(4)),
					ScopeValue: stmt.ColumnText(5),
					Reason:     stmt.ColumnText(6),
					ApprovedBy: stmt.ColumnText(7),
					CreatedAt:  time.Unix(0, stmt.ColumnInt64(8)).UTC(),
				}
				if stmt.ColumnType(9) != sqlite.TypeNull {
					t := time.Unix(0, stmt.ColumnInt64(9)).UTC()
					w.ExpiresAt = &t
				}
				waivers = append(waivers, w)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: query waivers: %w", err)
	}
	return waivers, nil
}
