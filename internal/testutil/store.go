package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/drillgrid/internal/db"
	"github.com/g960059/drillgrid/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "drillgrid-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedTasks replaces the collection with tasks and returns the stored set.
func SeedTasks(t *testing.T, store *db.Store, ctx context.Context, tasks ...model.Task) model.TaskSet {
	t.Helper()
	if _, err := store.Replace(ctx, model.TaskSet{Tasks: tasks, Revision: db.AnyRevision}); err != nil {
		t.Fatalf("seed tasks: %v", err)
	}
	set, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read seeded tasks: %v", err)
	}
	return set
}

// CoverageTask returns a task completed when the record's coverage is at
// least 80.
func CoverageTask(id, flow, end string) model.Task {
	return model.Task{
		ID:   id,
		Flow: flow,
		Name: id,
		End:  end,
		Criteria: model.Criteria{{
			FieldName: "coverage",
			Datatype:  model.DatatypeNumber,
			Operator:  model.OpGreaterEqual,
			Expected:  "80",
		}},
	}
}
