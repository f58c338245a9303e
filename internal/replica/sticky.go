package replica

import "time"

// Sticky expiration sentinels.
const (
	// StickyForever marks a sticky record that never expires.
	StickyForever int64 = -1
	// StickyNone marks a record that is not sticky at all.
	StickyNone int64 = 0
)

// StickyRecord pins a replica on behalf of an owner until Expire, given in
// milliseconds since the Unix epoch.
type StickyRecord struct {
	Owner  string `json:"owner"`
	Expire int64  `json:"expire"`
}

// ExpireAt converts a wall clock time into a sticky expiration value.
func ExpireAt(t time.Time) int64 {
	return t.UnixMilli()
}

// IsValidAt reports whether the record still pins the replica at now.
func (r StickyRecord) IsValidAt(now time.Time) bool {
	if r.Expire == StickyForever {
		return true
	}
	return r.Expire > now.UnixMilli()
}

// IsForever reports whether the record never expires.
func (r StickyRecord) IsForever() bool {
	return r.Expire == StickyForever
}

func (r StickyRecord) String() string {
	if r.IsForever() {
		return r.Owner + ":forever"
	}
	return r.Owner + ":" + time.UnixMilli(r.Expire).UTC().Format(time.RFC3339)
}
