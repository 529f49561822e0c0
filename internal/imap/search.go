package imap

import (
	"strings"
	"time"
)

// matchesSearch evaluates a SEARCH key list against one message, supporting
// ALL, FROM/TO/SUBJECT/BODY substring matches, SINCE/BEFORE date bounds,
// SEEN/UNSEEN, and OR/implicit-AND composition of the above.
func matchesSearch(keys []string, m message) bool {
	i := 0
	for i < len(keys) {
		ok, consumed := matchOne(keys, i, m)
		if !ok {
			return false
		}
		i += consumed
	}
	return true
}

// matchOne evaluates the criterion starting at keys[i] and reports whether
// it matched plus how many tokens it consumed.
func matchOne(keys []string, i int, m message) (bool, int) {
	key := strings.ToUpper(keys[i])

	switch key {
	case "ALL":
		return true, 1
	case "SEEN":
		return strings.Contains(m.Flags, "S"), 1
	case "UNSEEN":
		return !strings.Contains(m.Flags, "S"), 1
	case "ANSWERED":
		return strings.Contains(m.Flags, "R"), 1
	case "DELETED":
		return strings.Contains(m.Flags, "T"), 1
	case "FLAGGED":
		return strings.Contains(m.Flags, "F"), 1
	case "OR":
		if i+2 >= len(keys) {
			return false, len(keys) - i
		}
		leftOK, leftN := matchOne(keys, i+1, m)
		rightOK, rightN := matchOne(keys, i+1+leftN, m)
		return leftOK || rightOK, 1 + leftN + rightN
	case "FROM", "TO", "SUBJECT", "CC", "BCC":
		if i+1 >= len(keys) {
			return false, len(keys) - i
		}
		headers := parseHeaders(m.body)
		val := headers[strings.ToLower(key)]
		return strings.Contains(strings.ToLower(val), strings.ToLower(unquote(keys[i+1]))), 2
	case "BODY", "TEXT":
		if i+1 >= len(keys) {
			return false, len(keys) - i
		}
		return strings.Contains(strings.ToLower(string(m.body)), strings.ToLower(unquote(keys[i+1]))), 2
	case "SINCE":
		if i+1 >= len(keys) {
			return false, len(keys) - i
		}
		date, err := parseSearchDate(unquote(keys[i+1]))
		if err != nil {
			return false, 2
		}
		return internalDateOf(m).After(date) || internalDateOf(m).Equal(date), 2
	case "BEFORE":
		if i+1 >= len(keys) {
			return false, len(keys) - i
		}
		date, err := parseSearchDate(unquote(keys[i+1]))
		if err != nil {
			return false, 2
		}
		return internalDateOf(m).Before(date), 2
	default:
		// Unknown keyword: consume it and treat as non-matching rather
		// than aborting the whole search.
		return false, 1
	}
}

func parseSearchDate(s string) (time.Time, error) {
	return time.Parse("02-Jan-2006", s)
}
