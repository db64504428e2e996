package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mergegate/mergegate/internal/model"
)

// CreateRun inserts a run in its initial running state.
func (s *Store) CreateRun(ctx context.Context, r *model.Run) error {
	stages, gates, err := marshalRunBlobs(r)
	if err != nil {
		return err
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO runs (id, org_id, repository, branch, trigger_type, stages,
		                   gates_failed, gates_passed, status, conclusion,
		                   created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				r.ID, r.OrgID, r.Repository, r.Branch, r.TriggerType, stages,
				gates, boolToInt(r.GatesPassed), string(r.Status), string(r.Conclusion),
				r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// UpdateRun persists the run's current stage states and verdict. Only
// the owning orchestration invocation mutates a run's row.
func (s *Store) UpdateRun(ctx context.Context, r *model.Run) error {
	stages, gates, err := marshalRunBlobs(r)
	if err != nil {
		return err
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE runs
		 SET stages = ?, gates_failed = ?, gates_passed = ?,
		     status = ?, conclusion = ?, updated_at = ?
		 WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				stages, gates, boolToInt(r.GatesPassed),
				string(r.Status), string(r.Conclusion), r.UpdatedAt.UnixNano(),
				r.ID,
			},
		})
	if err != nil {
		return fmt.Errorf("store: update run: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: update run: no run with id %s", r.ID)
	}
	return nil
}

// GetRun returns a run by id, or nil if not found.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.put(conn)

	var run *model.Run
	err = sqlitex.Execute(conn,
		`SELECT id, org_id, repository, branch, trigger_type, stages,
		        gates_failed, gates_passed, status, conclusion,
		        created_at, updated_at
		 FROM runs WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := &model.Run{
					ID:          stmt.ColumnText(0),
					OrgID:       stmt.ColumnText(1),
					Repository:  stmt.ColumnText(2),
					Branch:      stmt.ColumnText(3),
					TriggerType: stmt.ColumnText(4),
					GatesPassed: stmt.ColumnInt64(7) != 0,
					Status:      model.RunStatus(stmt.ColumnText(8)),
					Conclusion:  model.Conclusion(stmt.ColumnText(9)),
					CreatedAt:   time.Unix(0, stmt.ColumnInt64(10)).UTC(),
					UpdatedAt:   time.Unix(0, stmt.ColumnInt64(11)).UTC(),
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &r.Stages); err != nil {
					return fmt.Errorf("unmarshal stages: %w", err)
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &r.GatesFailed); err != nil {
					return fmt.Errorf("unmarshal gates_failed: %w", err)
				}
				run = r
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: query run: %w", err)
	}
	return run, nil
}

func marshalRunBlobs(r *model.Run) (stages, gates string, err error) {
	sb, err := json.Marshal(r.Stages)
	if err != nil {
		return "", "", fmt.Errorf("store: marshal run stages: %w", err)
	}
	gf := r.GatesFailed
	if gf == nil {
		gf = []string{}
	}
	gb, err := json.Marshal(gf)
	if err != nil {
		return "", "", fmt.Errorf("store: marshal gates_failed: %w", err)
	}
	return string(sb), string(gb), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
