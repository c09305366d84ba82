package pg

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/bobg/kfr/store"
	"github.com/bobg/kfr/testutil"
)

func TestStore(t *testing.T) {
	withStore(t, func(ctx context.Context, s *Store) {
		testutil.ReadWrite(ctx, t, s)
	})
}

func TestAllRecords(t *testing.T) {
	withStore(t, func(ctx context.Context, s *Store) {
		testutil.AllRecords(ctx, t, func() store.Store {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM kfrs`); err != nil {
				t.Fatal(err)
			}
			return nopCloser{s}
		})
	})
}

type nopCloser struct {
	*Store
}

func (nopCloser) Close() error { return nil }

const connVar = "KFR_PG_TESTING_CONN"

func withStore(t *testing.T, f func(context.Context, *Store)) {
	connstr := os.Getenv(connVar)
	if connstr == "" {
		t.Skipf("to run %s, set %s to a valid Postgresql connection string", t.Name(), connVar)
	}

	db, err := sql.Open("postgres", connstr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS kfrs`); err != nil {
		t.Fatal(err)
	}

	s, err := New(ctx, db)
	if err != nil {
		t.Fatal(err)
	}

	f(ctx, s)
}
