package migrate_test

import (
	"context"
	"testing"

	"loreline/internal/db"
	"loreline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	st, err := migrate.Inspect(ctx, conn)
	if err != nil {
		t.Fatalf("inspect fresh: %v", err)
	}
	if st.Current != 0 || len(st.Pending) == 0 {
		t.Fatalf("expected pending migrations on fresh db, got %+v", st)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	st, err = migrate.Inspect(ctx, conn)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if st.Current != st.Latest || len(st.Pending) != 0 {
		t.Fatalf("expected fully migrated, got %+v", st)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		t.Fatalf("queue_items missing: %v", err)
	}
}
