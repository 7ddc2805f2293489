package planstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/haricheung/agent-town/internal/tasktree"
	"github.com/haricheung/agent-town/internal/types"
)

// SQLiteStore stores plans in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("planstore: open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		world_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		operation_id TEXT NOT NULL DEFAULT '',
		created INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		world_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		parent_task_id TEXT NOT NULL DEFAULT '',
		depth INTEGER NOT NULL,
		nth_child INTEGER NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		key_takeaways TEXT NOT NULL DEFAULT '',
		start_time INTEGER,
		finish_before INTEGER,
		required_teams TEXT,
		required_agents TEXT,
		PRIMARY KEY (plan_id, task_id),
		FOREIGN KEY (plan_id) REFERENCES plans(id)
	);

	CREATE INDEX IF NOT EXISTS idx_plans_agent ON plans(world_id, agent_id, created);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_plans_operation ON plans(world_id, operation_id) WHERE operation_id <> '';
	CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(world_id, plan_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(world_id, plan_id, parent_task_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("planstore: create schema: %w", err)
	}
	return nil
}

// SavePlan writes the plan row and all task rows in one transaction.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan types.Plan) error {
	p, err := prepare(plan)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("planstore: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO plans (id, world_id, agent_id, operation_id, created) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.WorldID, p.AgentID, p.OperationID, p.Created)
	if err != nil {
		if isUniqueViolation(err) && p.OperationID != "" && s.operationTaken(ctx, tx, p) {
			return ErrDuplicateOperation
		}
		return fmt.Errorf("planstore: save plan %s: %w", p.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (world_id, plan_id, task_id, parent_task_id, depth, nth_child, description,
			status, key_takeaways, start_time, finish_before, required_teams, required_agents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("planstore: prepare task insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range p.Tasks {
		teams, _ := json.Marshal(t.RequiredTeams)
		agents, _ := json.Marshal(t.RequiredAgents)
		_, err = stmt.ExecContext(ctx, p.WorldID, p.ID, t.TaskID, t.ParentTaskID, t.Depth, t.NthChild,
			t.Description, string(t.Status), t.KeyTakeaways, nullInt(t.StartTime), nullInt(t.FinishBefore),
			string(teams), string(agents))
		if err != nil {
			return fmt.Errorf("planstore: save task %s/%s: %w", p.ID, t.TaskID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) operationTaken(ctx context.Context, tx *sql.Tx, p types.Plan) bool {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM plans WHERE world_id = ? AND operation_id = ?`, p.WorldID, p.OperationID).Scan(&id)
	return err == nil
}

// Plan loads a plan with its tasks in depth-first order.
func (s *SQLiteStore) Plan(ctx context.Context, worldID, planID string) (types.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, world_id, agent_id, operation_id, created FROM plans WHERE world_id = ? AND id = ?`,
		worldID, planID)
	return s.loadPlan(ctx, row)
}

// LatestPlan returns the most recently created plan of an agent.
func (s *SQLiteStore) LatestPlan(ctx context.Context, worldID, agentID string) (types.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, world_id, agent_id, operation_id, created FROM plans
		WHERE world_id = ? AND agent_id = ?
		ORDER BY created DESC, rowid DESC LIMIT 1`, worldID, agentID)
	return s.loadPlan(ctx, row)
}

func (s *SQLiteStore) loadPlan(ctx context.Context, row *sql.Row) (types.Plan, error) {
	var p types.Plan
	if err := row.Scan(&p.ID, &p.WorldID, &p.AgentID, &p.OperationID, &p.Created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Plan{}, ErrNotFound
		}
		return types.Plan{}, fmt.Errorf("planstore: load plan: %w", err)
	}
	tasks, err := s.queryTasks(ctx, `WHERE world_id = ? AND plan_id = ?`, p.WorldID, p.ID)
	if err != nil {
		return types.Plan{}, err
	}
	p.Tasks = tasktree.New(tasks).Ordered()
	return p, nil
}

// Tasks returns the plan's tasks in depth-first order.
func (s *SQLiteStore) Tasks(ctx context.Context, worldID, planID string) ([]types.Task, error) {
	p, err := s.Plan(ctx, worldID, planID)
	if err != nil {
		return nil, err
	}
	return p.Tasks, nil
}

// Children returns the direct children of parentTaskID ("" for roots).
func (s *SQLiteStore) Children(ctx context.Context, worldID, planID, parentTaskID string) ([]types.Task, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM plans WHERE world_id = ? AND id = ?`, worldID, planID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("planstore: children: %w", err)
	}
	return s.queryTasks(ctx, `WHERE world_id = ? AND plan_id = ? AND parent_task_id = ? ORDER BY nth_child`,
		worldID, planID, parentTaskID)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, where string, args ...any) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, task_id, parent_task_id, depth, nth_child, description, status, key_takeaways,
			start_time, finish_before, required_teams, required_agents
		FROM tasks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("planstore: query tasks: %w", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		var (
			t             types.Task
			status        string
			start, finish sql.NullInt64
			teams, agents sql.NullString
		)
		if err := rows.Scan(&t.PlanID, &t.TaskID, &t.ParentTaskID, &t.Depth, &t.NthChild, &t.Description,
			&status, &t.KeyTakeaways, &start, &finish, &teams, &agents); err != nil {
			return nil, fmt.Errorf("planstore: scan task: %w", err)
		}
		t.Status = types.TaskStatus(status)
		if start.Valid {
			v := start.Int64
			t.StartTime = &v
		}
		if finish.Valid {
			v := finish.Int64
			t.FinishBefore = &v
		}
		t.RequiredTeams = decodeNames(teams)
		t.RequiredAgents = decodeNames(agents)
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func decodeNames(s sql.NullString) []string {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
