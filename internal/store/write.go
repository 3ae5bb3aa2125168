package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/provharness/internal/httpmock"
)

// Run kinds.
const (
	KindSend    = "send"
	KindIngest  = "ingest"
	KindWebhook = "webhook"
)

// Run statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Run is one recorded pipeline run.
type Run struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	Kind         string          `json:"kind"`
	Provider     string          `json:"provider"`
	ProviderType string          `json:"provider_type,omitempty"`
	Status       string          `json:"status"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Error        string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Call is one recorded transport call of a run.
type Call struct {
	ID       string          `json:"id"`
	RunID    string          `json:"run_id"`
	Seq      int64           `json:"seq"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response,omitempty"`
	Fault    json.RawMessage `json:"fault,omitempty"`
}

// WriteRun records run and its calls in one transaction. An empty ID is
// generated and Seq is always assigned here. Writing a run whose ID already
// exists changes nothing and returns the stored run.
func (s *Store) WriteRun(ctx context.Context, run Run, calls []httpmock.Record) (Run, error) {
	if run.ID == "" {
		run.ID = s.ids.Generate()
	}
	if run.Kind == "" || run.Provider == "" || run.Status == "" {
		return Run{}, errors.New("write run: kind, provider and status are required")
	}

	result := "{}"
	if len(run.Result) > 0 {
		var err error
		if result, err = marshalCanonical("result", run.Result); err != nil {
			return Run{}, fmt.Errorf("write run: %w", err)
		}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT seq FROM runs WHERE id = ?`, run.ID).Scan(&existing)
		switch {
		case err == nil:
			run.Seq = existing
			return errRunExists
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup run: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM runs`).Scan(&run.Seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs
			(id, seq, kind, provider, provider_type, status, error_kind, error, result)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			run.Seq,
			run.Kind,
			run.Provider,
			run.ProviderType,
			run.Status,
			run.ErrorKind,
			run.Error,
			result,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		for _, rec := range calls {
			if err := insertCall(ctx, tx, run.ID, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errRunExists) {
		return s.ReadRun(ctx, run.ID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("write run: %w", err)
	}
	run.Result = json.RawMessage(result)
	return run, nil
}

var errRunExists = errors.New("run exists")

func insertCall(ctx context.Context, tx *sql.Tx, runID string, rec httpmock.Record) error {
	id, err := CallID(runID, rec)
	if err != nil {
		return err
	}
	request, err := marshalCanonical("request", rec.Request)
	if err != nil {
		return err
	}
	response, err := marshalOptional("response", rec.Response)
	if err != nil {
		return err
	}
	fault, err := marshalOptional("fault", rec.Fault)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calls
		(id, run_id, seq, method, url, request, response, fault)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		id,
		runID,
		rec.Seq,
		rec.Request.Method,
		rec.Request.URL,
		request,
		response,
		fault,
	)
	if err != nil {
		return fmt.Errorf("insert call %d: %w", rec.Seq, err)
	}
	return nil
}
