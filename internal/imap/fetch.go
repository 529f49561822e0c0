package imap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/mailcore/internal/maildir"
)

// message is a convenience bundle passed to fetch rendering: the enumerated
// Message plus its body, parsed once per FETCH invocation.
type message struct {
	Message
	body []byte
}

// parseFetchItems expands FETCH macros (ALL, FULL, FAST) and splits an
// explicit parenthesized item list into its individual item names.
func parseFetchItems(raw string) []string {
	raw = stripParens(raw)
	switch strings.ToUpper(raw) {
	case "ALL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"}
	case "FAST":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE"}
	case "FULL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY"}
	}
	return splitArgs(raw)
}

// renderFetchItem renders one data item's "NAME value" fragment for a
// FETCH response. peek is true for BODY.PEEK[...] items, which must not
// implicitly set \Seen.
func renderFetchItem(item string, m message) string {
	upper := strings.ToUpper(item)
	switch {
	case upper == "UID":
		return fmt.Sprintf("UID %d", m.UID)
	case upper == "FLAGS":
		return fmt.Sprintf("FLAGS (%s)", renderFlags(m.Flags, m.Recent))
	case upper == "INTERNALDATE":
		return fmt.Sprintf(`INTERNALDATE "%s"`, internalDateOf(m).Format(internalDateFormat))
	case upper == "RFC822.SIZE":
		return fmt.Sprintf("RFC822.SIZE %d", len(m.body))
	case upper == "ENVELOPE":
		return "ENVELOPE " + renderEnvelope(m.body)
	case strings.HasPrefix(upper, "BODY.PEEK[") || strings.HasPrefix(upper, "BODY["):
		return fmt.Sprintf("BODY[] {%d}\r\n%s", len(m.body), m.body)
	case upper == "BODY":
		return fmt.Sprintf("BODY[] {%d}\r\n%s", len(m.body), m.body)
	default:
		return upper + " NIL"
	}
}

// isPeek reports whether item is a BODY.PEEK[...] fetch (must not mark
// \Seen as a side effect).
func isPeek(item string) bool {
	return strings.HasPrefix(strings.ToUpper(item), "BODY.PEEK[")
}

func renderFlags(flags string, recent bool) string {
	var out []string
	if strings.Contains(flags, "S") {
		out = append(out, FlagSeen)
	}
	if strings.Contains(flags, "R") {
		out = append(out, FlagAnswered)
	}
	if strings.Contains(flags, "F") {
		out = append(out, FlagFlagged)
	}
	if strings.Contains(flags, "T") {
		out = append(out, FlagDeleted)
	}
	if strings.Contains(flags, "D") {
		out = append(out, FlagDraft)
	}
	if recent {
		out = append(out, FlagRecent)
	}
	return strings.Join(out, " ")
}

// renderEnvelope builds a minimal ENVELOPE structure from the common
// headers: date, subject, from, sender, reply-to, to, cc, bcc,
// in-reply-to, message-id. Fields this parser cannot extract render NIL.
func renderEnvelope(body []byte) string {
	headers := parseHeaders(body)
	quote := func(k string) string {
		v, ok := headers[k]
		if !ok || v == "" {
			return "NIL"
		}
		return fmt.Sprintf("%q", v)
	}
	addr := func(k string) string {
		v, ok := headers[k]
		if !ok || v == "" {
			return "NIL"
		}
		return fmt.Sprintf("((NIL NIL %q NIL))", v)
	}
	return fmt.Sprintf("(%s %s %s %s %s %s NIL NIL %s %s)",
		quote("date"), quote("subject"),
		addr("from"), addr("from"), addr("reply-to"), addr("to"),
		quote("in-reply-to"), quote("message-id"))
}

// parseHeaders does a minimal RFC 5322 header scan: it stops at the first
// blank line and lowercases field names, without unfolding continuations.
func parseHeaders(body []byte) map[string]string {
	headers := make(map[string]string)
	lines := strings.Split(string(body), "\r\n")
	for _, line := range lines {
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		if _, exists := headers[key]; !exists {
			headers[key] = val
		}
	}
	return headers
}

// internalDateOf recovers a message's delivery time from the epoch prefix
// of its Maildir filename, falling back to the current time if malformed.
func internalDateOf(m message) time.Time {
	base, _, _ := maildir.ParseFlags(m.Filename)
	epochPart := base
	if i := strings.IndexByte(base, '.'); i >= 0 {
		epochPart = base[:i]
	}
	secs, err := strconv.ParseInt(epochPart, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(secs, 0)
}
