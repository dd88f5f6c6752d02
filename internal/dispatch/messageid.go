package dispatch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MessageIDFormat builds and parses the engine's outbound Message-ID:
//
//	{prefix}-{dispatch_record_id}-{unix_timestamp}@{sending_domain}
//
// The same value is stored as the dispatch record's correlation key.
type MessageIDFormat struct {
	Prefix string
	Domain string
	re     *regexp.Regexp
}

// NewMessageIDFormat compiles the parser for prefix. domain is the default
// sending domain used by Format.
func NewMessageIDFormat(prefix, domain string) *MessageIDFormat {
	return &MessageIDFormat{
		Prefix: prefix,
		Domain: strings.ToLower(domain),
		re:     regexp.MustCompile(`^(` + regexp.QuoteMeta(prefix) + `)-(\d+)-(\d+)@([A-Za-z0-9.-]+)$`),
	}
}

// Format returns the message id for dispatch record id sent at ts. An
// empty domain falls back to the format's default.
func (f *MessageIDFormat) Format(id int64, ts time.Time, domain string) string {
	if domain == "" {
		domain = f.Domain
	}
	return fmt.Sprintf("%s-%d-%d@%s", f.Prefix, id, ts.Unix(), strings.ToLower(domain))
}

// ParsedMessageID is the structured content of an engine message id.
type ParsedMessageID struct {
	DispatchID int64
	SentAt     time.Time
	Domain     string
}

// Parse extracts the dispatch record id from a message id. Surrounding
// angle brackets and whitespace are ignored. ok is false for anything that
// does not match the engine's format.
func (f *MessageIDFormat) Parse(value string) (ParsedMessageID, bool) {
	m := f.re.FindStringSubmatch(NormalizeMessageID(value))
	if m == nil {
		return ParsedMessageID{}, false
	}
	id, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || id <= 0 {
		return ParsedMessageID{}, false
	}
	ts, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return ParsedMessageID{}, false
	}
	return ParsedMessageID{DispatchID: id, SentAt: time.Unix(ts, 0).UTC(), Domain: strings.ToLower(m[4])}, true
}

// NormalizeMessageID strips whitespace and one pair of angle brackets.
func NormalizeMessageID(value string) string {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	return strings.TrimSpace(v)
}

// SplitReferences breaks an In-Reply-To or References header into message
// ids, most recent first.
func SplitReferences(header string) []string {
	header = strings.ReplaceAll(header, "><", "> <")
	fields := strings.FieldsFunc(header, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ','
	})
	out := make([]string, 0, len(fields))
	for i := len(fields) - 1; i >= 0; i-- {
		if id := NormalizeMessageID(fields[i]); id != "" {
			out = append(out, id)
		}
	}
	return out
}
