package shares

import "strings"

// Search queries are whitespace-separated tokens; a leading '-' marks an
// exclusion. Path separators, quotes and colons inside tokens are
// sanitised to spaces, so a token that splits becomes a phrase match.
//
// compileQuery builds the FTS5 MATCH expression
//
//	("t1" AND "t2") NOT ("x1" OR "x2")
//
// and reports false when the query has no positive terms.
func compileQuery(query string) (string, bool) {
	var includes, excludes []string
	for _, token := range strings.Fields(query) {
		exclude := false
		if strings.HasPrefix(token, "-") {
			exclude = true
			token = strings.TrimPrefix(token, "-")
		}
		token = sanitizeToken(token)
		if token == "" {
			continue
		}
		if exclude {
			excludes = append(excludes, token)
		} else {
			includes = append(includes, token)
		}
	}
	if len(includes) == 0 {
		return "", false
	}

	var b strings.Builder
	b.WriteByte('(')
	for i, t := range includes {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(`"` + t + `"`)
	}
	b.WriteByte(')')
	if len(excludes) > 0 {
		b.WriteString(" NOT (")
		for i, t := range excludes {
			if i > 0 {
				b.WriteString(" OR ")
			}
			b.WriteString(`"` + t + `"`)
		}
		b.WriteByte(')')
	}
	return b.String(), true
}

var tokenSanitizer = strings.NewReplacer(
	"/", " ",
	"\\", " ",
	"'", " ",
	`"`, " ",
	":", " ",
)

func sanitizeToken(token string) string {
	return strings.TrimSpace(tokenSanitizer.Replace(token))
}
