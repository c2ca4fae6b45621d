// ABOUTME: SQL helpers for building filtered queries.
// ABOUTME: Collects WHERE clauses with their arguments and escapes LIKE patterns.

package store

import "strings"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix turns prefix into a LIKE pattern matching strings that start
// with it literally. Use with ESCAPE '\'.
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

// where accumulates AND-ed conditions and their placeholder arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

// addIf adds cond only when ok, for optional filters.
func (w *where) addIf(ok bool, cond string, args ...any) {
	if ok {
		w.add(cond, args...)
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}
