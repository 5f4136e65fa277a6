package sandbox

import (
	"fmt"
	"strings"
	"unicode"
)

// writeKeywords may not appear anywhere in an analysis query, including inside a CTE.
var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "UPSERT": true, "MERGE": true,
	"INTO": true, "DROP": true, "ALTER": true, "CREATE": true,
	"TRUNCATE": true, "RENAME": true, "GRANT": true, "REVOKE": true, "ATTACH": true,
	"DETACH": true, "PRAGMA": true, "VACUUM": true, "REINDEX": true, "ANALYZE": true,
	"COPY": true, "CALL": true, "EXECUTE": true, "DO": true, "LOAD": true, "SET": true,
	"LOCK": true, "NOTIFY": true, "LISTEN": true,
}

// CheckQuery verifies that text is exactly one read-only statement. Null bytes are
// reported and stripped before the keyword scan, so the scan sees every byte the driver
// would. A query with violations must not execute.
func CheckQuery(text string) []Violation {
	var out []Violation

	if strings.ContainsRune(text, 0) {
		out = append(out, Violation{Code: CodeQueryNullByte, Detail: "query contains a null byte"})
		text = strings.ReplaceAll(text, "\x00", "")
	}

	if containsExtensionLoad(text) {
		out = append(out, Violation{Code: CodeNativeExtension, Detail: "query loads an extension"})
	}

	stripped := stripSQL(text)

	statements := 0
	for _, s := range strings.Split(stripped, ";") {
		if strings.TrimSpace(s) != "" {
			statements++
		}
	}
	if statements != 1 {
		out = append(out, Violation{Code: CodeQueryMutation, Detail: fmt.Sprintf("expected one statement, found %d", statements)})
		return out
	}

	words := strings.FieldsFunc(strings.ToUpper(stripped), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	if len(words) == 0 || (words[0] != "SELECT" && words[0] != "WITH") {
		first := ""
		if len(words) > 0 {
			first = words[0]
		}
		out = append(out, Violation{Code: CodeQueryMutation, Detail: fmt.Sprintf("statement starts with %q, only SELECT or WITH allowed", first)})
		return out
	}
	for _, w := range words {
		if writeKeywords[w] {
			out = append(out, Violation{Code: CodeQueryMutation, Detail: fmt.Sprintf("keyword %s not allowed", w)})
			break
		}
	}
	return out
}

func containsExtensionLoad(s string) bool {
	return strings.Contains(strings.ToLower(s), "load_extension")
}

// stripSQL blanks out comments and quoted text, keeping statement separators and
// keywords visible.
func stripSQL(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		ch := q[i]
		switch {
		case ch == '-' && i+1 < len(q) && q[i+1] == '-':
			for i < len(q) && q[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case ch == '/' && i+1 < len(q) && q[i+1] == '*':
			i += 2
			for i+1 < len(q) && !(q[i] == '*' && q[i+1] == '/') {
				i++
			}
			i++
			b.WriteByte(' ')
		case ch == '\'' || ch == '"' || ch == '`':
			quote := ch
			i++
			for i < len(q) {
				if q[i] == quote {
					if i+1 < len(q) && q[i+1] == quote {
						i += 2
						continue
					}
					break
				}
				i++
			}
			b.WriteString(" q ")
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
