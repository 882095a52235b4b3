package settings

import (
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const createSettingsTable = `
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version BIGINT NOT NULL,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

type dialect struct {
	driver string
}

func newDialect(driver string) (dialect, error) {
	switch driver {
	case "", DriverSQLite:
		return dialect{driver: DriverSQLite}, nil
	case DriverPostgres, "postgresql":
		return dialect{driver: DriverPostgres}, nil
	}
	return dialect{}, fmt.Errorf("unsupported settings driver %q", driver)
}

// dsn applies driver specific connection defaults.
func (d dialect) dsn(dsn string) string {
	if d.driver == DriverSQLite && !strings.Contains(dsn, "?") && dsn != ":memory:" {
		return dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return dsn
}

// rebind rewrites ? placeholders into the driver's bind syntax.
func (d dialect) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
