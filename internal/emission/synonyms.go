package emission

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Canonical field names of an emitted triple.
const (
	FieldStatementID = "statement_id"
	FieldSubject     = "subject"
	FieldPredicate   = "predicate"
	FieldObject      = "object"
)

// Fields lists the canonical fields in reporting order.
var Fields = []string{FieldStatementID, FieldSubject, FieldPredicate, FieldObject}

// Synonyms declares every key accepted for each canonical field in batch
// records. Matching is case-insensitive.
var Synonyms = map[string][]string{
	FieldStatementID: {"statement_id", "statementId", "stmt_id", "stmtId", "statement", "sid"},
	FieldSubject:     {"subject", "subj", "s"},
	FieldPredicate:   {"predicate", "pred", "p", "property"},
	FieldObject:      {"object", "object_value", "objectValue", "obj", "o", "value"},
}

// canonicalByKey is the lower-cased reverse index of Synonyms.
var canonicalByKey = func() map[string]string {
	idx := make(map[string]string)
	for canonical, keys := range Synonyms {
		for _, k := range keys {
			lk := strings.ToLower(k)
			if prev, dup := idx[lk]; dup && prev != canonical {
				panic(fmt.Sprintf("emission: synonym %q declared for %s and %s", k, prev, canonical))
			}
			idx[lk] = canonical
		}
	}
	return idx
}()

// CanonicalField maps a record key to its canonical field name.
func CanonicalField(key string) (string, bool) {
	c, ok := canonicalByKey[strings.ToLower(strings.TrimSpace(key))]
	return c, ok
}

// resolved is a record after synonym resolution.
type resolved struct {
	values  map[string]string
	invalid map[string]string // canonical field -> problem
}

// resolveRecord maps a raw batch record onto canonical fields. Keys that
// are not synonyms of any field are ignored. Two keys for the same field with
// different values make the field invalid.
func resolveRecord(rec map[string]any) resolved {
	out := resolved{values: make(map[string]string), invalid: make(map[string]string)}

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	source := make(map[string]string)
	for _, k := range keys {
		field, ok := CanonicalField(k)
		if !ok {
			continue
		}
		v, ok := scalarString(rec[k])
		if !ok {
			out.invalid[field] = fmt.Sprintf("%s must be a string", k)
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if prev, seen := out.values[field]; seen && prev != v {
			out.invalid[field] = fmt.Sprintf("conflicting values in %s and %s", source[field], k)
			continue
		}
		out.values[field] = v
		source[field] = k
	}
	return out
}

// scalarString converts JSON scalars to strings. Whole numbers are rendered
// without a fraction so statement ids like 3 become "3".
func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, true
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}
