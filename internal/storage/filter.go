package storage

import (
	"fmt"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
)

// defaultQueryLimit bounds unbounded filters so a careless query cannot pull
// the whole table.
const defaultQueryLimit = 500

// buildEventQuery translates a nostr filter into a parameterized SELECT over
// the events table. The WHERE clauses line up with the table's indexes: id
// lookups hit the primary key, author+kind the composite index and so on.
func buildEventQuery(f nostr.Filter, columns string) (string, []interface{}, error) {
	var query strings.Builder
	args := make([]interface{}, 0, 10)

	next := func(arg interface{}) string {
		args = append(args, arg)
		return fmt.Sprintf("$%d", len(args))
	}

	query.WriteString("SELECT ")
	query.WriteString(columns)
	query.WriteString(" FROM events WHERE true")

	if len(f.IDs) > 0 {
		placeholders := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			placeholders[i] = next(id)
		}
		fmt.Fprintf(&query, " AND id = ANY(ARRAY[%s]::text[])", strings.Join(placeholders, ","))
	}
	if len(f.Authors) > 0 {
		placeholders := make([]string, len(f.Authors))
		for i, author := range f.Authors {
			placeholders[i] = next(author)
		}
		fmt.Fprintf(&query, " AND pubkey = ANY(ARRAY[%s]::text[])", strings.Join(placeholders, ","))
	}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, kind := range f.Kinds {
			placeholders[i] = next(kind)
		}
		fmt.Fprintf(&query, " AND kind = ANY(ARRAY[%s]::integer[])", strings.Join(placeholders, ","))
	}
	if f.Since != nil {
		fmt.Fprintf(&query, " AND created_at >= %s", next(f.Since.Time().Unix()))
	}
	if f.Until != nil {
		fmt.Fprintf(&query, " AND created_at <= %s", next(f.Until.Time().Unix()))
	}
	if f.Search != "" {
		fmt.Fprintf(&query, " AND content ILIKE %s", next("%"+f.Search+"%"))
	}
	for tagName, tagValues := range f.Tags {
		if len(tagValues) == 0 {
			continue
		}
		pairs := make([][]string, len(tagValues))
		for i, value := range tagValues {
			pairs[i] = []string{tagName, value}
		}
		fmt.Fprintf(&query, " AND tags @> %s", next(pairs))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	// Since-only filters read forward from the timestamp; everything else
	// wants the newest events first.
	if f.Since != nil && f.Until == nil {
		fmt.Fprintf(&query, " ORDER BY created_at ASC LIMIT %s", next(limit))
	} else {
		fmt.Fprintf(&query, " ORDER BY created_at DESC LIMIT %s", next(limit))
	}

	return query.String(), args, nil
}
