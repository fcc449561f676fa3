package xid

import (
	"github.com/google/uuid"
)

// New returns a prefixed random identifier for server-side rows.
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Reference returns a globally unique reference for a client-created record.
// Version 7 UUIDs sort by creation time, which keeps queue scans in insertion order.
func Reference() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func Valid(ref string) bool {
	_, err := uuid.Parse(ref)
	return err == nil
}
