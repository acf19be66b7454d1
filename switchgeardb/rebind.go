package switchgeardb

import (
	"strconv"
	"strings"
)

// rebind rewrites the `?` placeholders of a query into the `$n` form
// postgres requires. Sqlite queries pass through unchanged.
func (db *BaseDB) rebind(query string) string {
	if db.dialect != "postgres" {
		return query
	}

	var (
		b = strings.Builder{}
		n = 0
	)
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}

		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}

	return b.String()
}
