package replica

import "time"

// Entry is an immutable snapshot of a replica's metadata record.
type Entry struct {
	ID         string
	State      State
	Size       int64
	LinkCount  int
	CreatedAt  time.Time
	LastAccess time.Time
	Sticky     []StickyRecord
	Attributes Attributes
}

// IsSticky reports whether any sticky record is valid at now.
func (e Entry) IsSticky(now time.Time) bool {
	for _, r := range e.Sticky {
		if r.IsValidAt(now) {
			return true
		}
	}
	return false
}

// NextStickyExpiry returns the earliest finite expiration among the sticky
// records, or false when no record expires.
func (e Entry) NextStickyExpiry() (int64, bool) {
	var (
		next  int64
		found bool
	)
	for _, r := range e.Sticky {
		if r.IsForever() {
			continue
		}
		if !found || r.Expire < next {
			next = r.Expire
			found = true
		}
	}
	return next, found
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	c := e
	if e.Sticky != nil {
		c.Sticky = append([]StickyRecord(nil), e.Sticky...)
	}
	c.Attributes = e.Attributes.Clone()
	return c
}
