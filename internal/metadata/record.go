package metadata

import (
	"time"

	"github.com/replicastore/replicastore/internal/replica"
)

// Record is the persisted form of a replica's metadata. The link count is
// not part of it: open descriptors do not survive a restart.
type Record struct {
	ID         string                 `json:"id"`
	State      replica.State          `json:"state"`
	Size       int64                  `json:"size"`
	CreatedAt  time.Time              `json:"created_at"`
	LastAccess time.Time              `json:"last_access"`
	Sticky     []replica.StickyRecord `json:"sticky,omitempty"`
	Attributes replica.Attributes     `json:"attributes"`
}

func (r Record) clone() Record {
	c := r
	if r.Sticky != nil {
		c.Sticky = append([]replica.StickyRecord(nil), r.Sticky...)
	}
	c.Attributes = r.Attributes.Clone()
	return c
}

func (r Record) entry(linkCount int) replica.Entry {
	c := r.clone()
	return replica.Entry{
		ID:         c.ID,
		State:      c.State,
		Size:       c.Size,
		LinkCount:  linkCount,
		CreatedAt:  c.CreatedAt,
		LastAccess: c.LastAccess,
		Sticky:     c.Sticky,
		Attributes: c.Attributes,
	}
}

// Change describes the effect of one Update: the entry before and after.
type Change struct {
	Old replica.Entry
	New replica.Entry
}

// StateChanged reports whether the update moved the replica to a new state.
func (c Change) StateChanged() bool {
	return c.Old.State != c.New.State
}

// AccessTimeChanged reports whether the update touched the replica.
func (c Change) AccessTimeChanged() bool {
	return !c.Old.LastAccess.Equal(c.New.LastAccess)
}

// StickyChanged reports whether the set of sticky records changed.
func (c Change) StickyChanged() bool {
	if len(c.Old.Sticky) != len(c.New.Sticky) {
		return true
	}
	for i := range c.Old.Sticky {
		if c.Old.Sticky[i] != c.New.Sticky[i] {
			return true
		}
	}
	return false
}
