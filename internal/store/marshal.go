package store

import (
	"fmt"

	"github.com/roach88/provharness/internal/canon"
	"github.com/roach88/provharness/internal/httpmock"
)

// marshalCanonical converts v to canonical JSON TEXT for storage.
func marshalCanonical(what string, v any) (string, error) {
	data, err := canon.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", what, err)
	}
	return string(data), nil
}

// marshalOptional is marshalCanonical for values that may be absent.
func marshalOptional[T any](what string, v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s, err := marshalCanonical(what, v)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CallID is the content-addressed id of a recorded call within a run.
func CallID(runID string, rec httpmock.Record) (string, error) {
	return canon.Hash(canon.DomainCall, map[string]any{
		"run_id":  runID,
		"seq":     rec.Seq,
		"request": rec.Request,
	})
}
