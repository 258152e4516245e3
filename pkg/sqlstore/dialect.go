package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Driver names accepted by Open, matching the registered database/sql drivers.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// dialect captures the SQL differences between the supported engines.
// Queries are written once with '?' placeholders and rebound per dialect.
type dialect struct {
	name       string
	goose      string
	numbered   bool
	skipLocked string
	// textTime stores timestamps as fixed-width UTC text, which sorts
	// lexically in time order.
	textTime bool
}

// textTimeLayout is the stored timestamp form on textTime dialects.
const textTimeLayout = "2006-01-02 15:04:05.000000"

var (
	postgresDialect = dialect{
		name:       "postgres",
		goose:      "postgres",
		numbered:   true,
		skipLocked: " FOR UPDATE SKIP LOCKED",
	}
	sqliteDialect = dialect{
		name:     "sqlite",
		goose:    "sqlite3",
		textTime: true,
	}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres, "postgres":
		return postgresDialect, nil
	case DriverSQLite, "sqlite3":
		return sqliteDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// q rewrites '?' placeholders into $1, $2... for numbered dialects.
func (d dialect) q(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ts converts a timestamp into a query argument for the dialect.
func (d dialect) ts(t time.Time) any {
	t = normTime(t)
	if d.textTime {
		return t.Format(textTimeLayout)
	}
	return t
}
