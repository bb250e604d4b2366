package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeFailure(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// applyTaskUpdate folds a partial update into t. Callers bump the version.
func applyTaskUpdate(t *Task, u TaskUpdate) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Context != nil {
		if t.Context == nil {
			t.Context = make(map[string]any, len(u.Context))
		}
		t.Context.Merge(u.Context)
	}
	if u.Results != nil {
		t.Results = u.Results.Clone()
	}
	if u.Error != nil {
		e := *u.Error
		t.Error = &e
	}
	if u.HaltStepID != nil {
		t.HaltStepID = *u.HaltStepID
	}
	if u.CompletedAt != nil {
		c := *u.CompletedAt
		t.CompletedAt = &c
	}
	t.UpdatedAt = time.Now().UTC()
}

// IsNotFound reports whether err is a NOT_FOUND store error.
func IsNotFound(err error) bool {
	return schema.IsCode(err, schema.ErrCodeNotFound)
}
