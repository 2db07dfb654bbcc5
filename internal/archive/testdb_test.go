package archive

import (
	"database/sql"
	"testing"

	"github.com/mbd888/nirbhaya/internal/testutil"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return testutil.PGTest(t)
}
