package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const runColumns = `id, seq, kind, provider, provider_type, status, error_kind, error, result`

// ReadRun returns one run by id, or ErrNotFound.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// ListRuns returns every run in seq order. The slice is empty, not nil,
// when the log is empty.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LastRun returns the run with the highest seq, or ErrNotFound.
func (s *Store) LastRun(ctx context.Context) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY seq DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return run, err
}

// ReadCalls returns a run's calls in issuance order.
func (s *Store) ReadCalls(ctx context.Context, runID string) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, method, url, request, response, fault
		FROM calls
		WHERE run_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	calls := []Call{}
	for rows.Next() {
		var c Call
		var request string
		var response, fault sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.Seq, &c.Method, &c.URL, &request, &response, &fault); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		c.Request = json.RawMessage(request)
		if response.Valid {
			c.Response = json.RawMessage(response.String)
		}
		if fault.Valid {
			c.Fault = json.RawMessage(fault.String)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return calls, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var result string
	err := row.Scan(&r.ID, &r.Seq, &r.Kind, &r.Provider, &r.ProviderType, &r.Status, &r.ErrorKind, &r.Error, &result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.Result = json.RawMessage(result)
	return r, nil
}
