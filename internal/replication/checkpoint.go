package replication

import (
	"fmt"
	"time"
)

// Token is the server store's native ordering cursor: the write timestamp in
// microseconds since epoch plus the tie-break document id. Documents are
// totally ordered by (ServerTS, DocID).
type Token struct {
	ServerTS int64
	DocID    string
}

// FormatTimestamp renders a native timestamp as the wire form: ISO-8601 in
// UTC with sub-second precision.
func FormatTimestamp(micros int64) string {
	return time.UnixMicro(micros).UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp converts the wire timestamp back to microseconds since
// epoch. Accepts any RFC 3339 rendering.
func ParseTimestamp(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint timestamp %q: %w", s, err)
	}
	return t.UnixMicro(), nil
}

// DecodeCheckpoint converts wire checkpoint fields into a Token. Both fields
// empty means "sync from the beginning" and decodes to nil.
func DecodeCheckpoint(id, serverTimestamp string) (*Token, error) {
	if id == "" && serverTimestamp == "" {
		return nil, nil
	}
	if serverTimestamp == "" {
		return nil, fmt.Errorf("checkpoint id %q given without serverTimestamp", id)
	}
	ts, err := ParseTimestamp(serverTimestamp)
	if err != nil {
		return nil, err
	}
	return &Token{ServerTS: ts, DocID: id}, nil
}

// EncodeCheckpoint converts a Token into its wire fields. A nil token encodes
// to the empty checkpoint.
func EncodeCheckpoint(t *Token) (id, serverTimestamp string) {
	if t == nil {
		return "", ""
	}
	return t.DocID, FormatTimestamp(t.ServerTS)
}
