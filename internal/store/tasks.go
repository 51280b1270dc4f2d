package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/drawproxy/internal/task"
)

// Filter narrows List/Any/Count over the tasks table. Zero-value fields
// are not applied.
type Filter struct {
	IDs           []string
	ParentID      string
	Statuses      []task.Status
	Actions       []task.Action
	BackendFamily task.BackendFamily
	BotFamily     task.BotFamily
	InstanceID    string
	SubInstanceID string
	Mode          task.Mode
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any

	if len(f.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Actions) > 0 {
		clauses = append(clauses, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}
	if f.BackendFamily != "" {
		clauses = append(clauses, "backend_family = ?")
		args = append(args, string(f.BackendFamily))
	}
	if f.BotFamily != "" {
		clauses = append(clauses, "bot_family = ?")
		args = append(args, string(f.BotFamily))
	}
	if f.InstanceID != "" {
		clauses = append(clauses, "instance_id = ?")
		args = append(args, f.InstanceID)
	}
	if f.SubInstanceID != "" {
		clauses = append(clauses, "sub_instance_id = ?")
		args = append(args, f.SubInstanceID)
	}
	if f.Mode != "" {
		clauses = append(clauses, "mode = ?")
		args = append(args, string(f.Mode))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ", ")
}

type taskRow struct {
	ImageURLs     []byte
	Buttons       []byte
	Properties    []byte
	AccountFilter []byte
	ParentID      sql.NullString
	BotFamily     sql.NullString
	BackendFamily sql.NullString
	Mode          sql.NullString
	Prompt        sql.NullString
	PromptEn      sql.NullString
	Description   sql.NullString
	ImageURL      sql.NullString
	SubmitTime    sql.NullTime
	StartTime     sql.NullTime
	FinishTime    sql.NullTime
	FailReason    sql.NullString
	Progress      sql.NullString
	Seed          sql.NullString
	InstanceID    sql.NullString
	SubInstanceID sql.NullString
}

// Get fetches one task by id. Returns a *task.Error with KindNotFound if
// no row exists.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+`FROM tasks WHERE id = ?;`, id)
	t, err := scanTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, task.NewError(task.KindNotFound, "task not found: "+id, nil)
	}
	if err != nil {
		return nil, wrapStorage("get task", err)
	}
	return t, nil
}

const taskSelectColumns = `
	SELECT
		id, parent_id, action, status, bot_family, backend_family, mode,
		prompt, prompt_en, description, image_url, image_urls, buttons,
		properties, submit_time, start_time, finish_time, fail_reason,
		progress, seed, instance_id, sub_instance_id, account_filter
	`

func scanTaskRow(scan func(dest ...any) error) (*task.Task, error) {
	var t task.Task
	var r taskRow
	if err := scan(
		&t.ID, &r.ParentID, &t.Action, &t.Status, &r.BotFamily, &r.BackendFamily, &r.Mode,
		&r.Prompt, &r.PromptEn, &r.Description, &r.ImageURL, &r.ImageURLs, &r.Buttons,
		&r.Properties, &r.SubmitTime, &r.StartTime, &r.FinishTime, &r.FailReason,
		&r.Progress, &r.Seed, &r.InstanceID, &r.SubInstanceID, &r.AccountFilter,
	); err != nil {
		return nil, err
	}

	t.ParentID = r.ParentID.String
	t.BotFamily = task.BotFamily(r.BotFamily.String)
	t.BackendFamily = task.BackendFamily(r.BackendFamily.String)
	t.Mode = task.Mode(r.Mode.String)
	t.Prompt = r.Prompt.String
	t.PromptEn = r.PromptEn.String
	t.Description = r.Description.String
	t.ImageURL = r.ImageURL.String
	t.FailReason = r.FailReason.String
	t.Progress = r.Progress.String
	t.Seed = r.Seed.String
	t.InstanceID = r.InstanceID.String
	t.SubInstanceID = r.SubInstanceID.String
	t.SubmitTime = r.SubmitTime.Time
	t.StartTime = r.StartTime.Time
	t.FinishTime = r.FinishTime.Time

	if len(r.ImageURLs) > 0 {
		if err := json.Unmarshal(r.ImageURLs, &t.ImageURLs); err != nil {
			return nil, fmt.Errorf("decode image_urls: %w", err)
		}
	}
	if len(r.Buttons) > 0 {
		if err := json.Unmarshal(r.Buttons, &t.Buttons); err != nil {
			return nil, fmt.Errorf("decode buttons: %w", err)
		}
	}
	if len(r.Properties) > 0 {
		if err := json.Unmarshal(r.Properties, &t.Properties); err != nil {
			return nil, fmt.Errorf("decode properties: %w", err)
		}
	}
	if len(r.AccountFilter) > 0 {
		if err := json.Unmarshal(r.AccountFilter, &t.AccountFilter); err != nil {
			return nil, fmt.Errorf("decode account_filter: %w", err)
		}
	}
	return &t, nil
}

// Save upserts t, last-writer-wins on conflicting ids.
func (s *Store) Save(ctx context.Context, t *task.Task) error {
	imageURLs, err := json.Marshal(t.ImageURLs)
	if err != nil {
		return wrapStorage("encode image_urls", err)
	}
	buttons, err := json.Marshal(t.Buttons)
	if err != nil {
		return wrapStorage("encode buttons", err)
	}
	properties, err := json.Marshal(t.Properties)
	if err != nil {
		return wrapStorage("encode properties", err)
	}
	accountFilter, err := json.Marshal(t.AccountFilter)
	if err != nil {
		return wrapStorage("encode account_filter", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, parent_id, action, status, bot_family, backend_family, mode,
				prompt, prompt_en, description, image_url, image_urls, buttons,
				properties, submit_time, start_time, finish_time, fail_reason,
				progress, seed, instance_id, sub_instance_id, account_filter, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				parent_id=excluded.parent_id, action=excluded.action, status=excluded.status,
				bot_family=excluded.bot_family, backend_family=excluded.backend_family,
				mode=excluded.mode, prompt=excluded.prompt, prompt_en=excluded.prompt_en,
				description=excluded.description, image_url=excluded.image_url,
				image_urls=excluded.image_urls, buttons=excluded.buttons,
				properties=excluded.properties, submit_time=excluded.submit_time,
				start_time=excluded.start_time, finish_time=excluded.finish_time,
				fail_reason=excluded.fail_reason, progress=excluded.progress, seed=excluded.seed,
				instance_id=excluded.instance_id, sub_instance_id=excluded.sub_instance_id,
				account_filter=excluded.account_filter, updated_at=CURRENT_TIMESTAMP;
		`,
			t.ID, nullable(t.ParentID), string(t.Action), string(t.Status), nullable(string(t.BotFamily)),
			nullable(string(t.BackendFamily)), nullable(string(t.Mode)), nullable(t.Prompt), nullable(t.PromptEn),
			nullable(t.Description), nullable(t.ImageURL), string(imageURLs), string(buttons), string(properties),
			nullTime(t.SubmitTime), nullTime(t.StartTime), nullTime(t.FinishTime), nullable(t.FailReason),
			nullable(t.Progress), nullable(t.Seed), nullable(t.InstanceID), nullable(t.SubInstanceID), string(accountFilter),
		)
		return err
	})
}

// Delete removes a task by id. It is not an error if the task does not exist.
func (s *Store) Delete(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return wrapStorage("delete task", err)
		}
		return nil
	})
}

// List returns tasks matching filter, ordered by orderBy ("submit_time",
// "start_time", "finish_time", "id"), ascending if asc. limit <= 0 means
// unbounded.
func (s *Store) List(ctx context.Context, filter Filter, orderBy string, asc bool, limit int) ([]*task.Task, error) {
	where, args := filter.where()
	if orderBy == "" {
		orderBy = "id"
	}
	direction := "DESC"
	if asc {
		direction = "ASC"
	}
	query := taskSelectColumns + "FROM tasks " + where + fmt.Sprintf(" ORDER BY %s %s", orderBy, direction)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += ";"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage("list tasks", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, wrapStorage("scan task row", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate task rows", err)
	}
	return out, nil
}

// Count returns the number of tasks matching filter.
func (s *Store) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks `+where+`;`, args...).Scan(&n); err != nil {
		return 0, wrapStorage("count tasks", err)
	}
	return n, nil
}

// Any reports whether at least one task matches filter.
func (s *Store) Any(ctx context.Context, filter Filter) (bool, error) {
	n, err := s.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecoverRunningTasks resets every SUBMITTED or IN_PROGRESS task back to
// NOT_START once, clearing its instance assignment so the next
// Orchestrator.Submit pass re-selects an account for it. Called once at
// startup: any task left in a non-terminal in-flight status belonged to
// an instance that no longer exists in this process, since instances are
// rebuilt from the registry on every boot.
func (s *Store) RecoverRunningTasks(ctx context.Context) (int64, error) {
	var recovered int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, instance_id = NULL, sub_instance_id = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE status IN (?, ?);
		`, string(task.StatusNotStart), string(task.StatusSubmitted), string(task.StatusInProgress))
		if err != nil {
			return err
		}
		recovered, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, wrapStorage("recover running tasks", err)
	}
	return recovered, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}
