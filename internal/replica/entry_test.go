package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStickyRecordValidity(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.True(t, StickyRecord{Owner: "system", Expire: StickyForever}.IsValidAt(now))
	assert.False(t, StickyRecord{Owner: "system", Expire: StickyNone}.IsValidAt(now))
	assert.True(t, StickyRecord{Owner: "system", Expire: ExpireAt(now.Add(time.Second))}.IsValidAt(now))
	assert.False(t, StickyRecord{Owner: "system", Expire: ExpireAt(now)}.IsValidAt(now))
}

func TestEntryIsSticky(t *testing.T) {
	now := time.Now()
	e := Entry{Sticky: []StickyRecord{
		{Owner: "a", Expire: ExpireAt(now.Add(-time.Minute))},
	}}
	assert.False(t, e.IsSticky(now))

	e.Sticky = append(e.Sticky, StickyRecord{Owner: "b", Expire: ExpireAt(now.Add(time.Minute))})
	assert.True(t, e.IsSticky(now))
	assert.False(t, e.IsSticky(now.Add(2*time.Minute)))
}

func TestEntryNextStickyExpiry(t *testing.T) {
	e := Entry{Sticky: []StickyRecord{
		{Owner: "a", Expire: StickyForever},
	}}
	_, ok := e.NextStickyExpiry()
	assert.False(t, ok)

	e.Sticky = append(e.Sticky,
		StickyRecord{Owner: "b", Expire: 5000},
		StickyRecord{Owner: "c", Expire: 3000},
	)
	next, ok := e.NextStickyExpiry()
	require.True(t, ok)
	assert.Equal(t, int64(3000), next)
}

func TestEntryCloneIsDeep(t *testing.T) {
	e := Entry{
		ID:     "000000000001",
		Sticky: []StickyRecord{{Owner: "a", Expire: StickyForever}},
		Attributes: Attributes{
			ID:        "000000000001",
			Checksums: []Checksum{{Type: "ADLER32", Value: "01"}},
			Extra:     map[string]string{"k": "v"},
		},
	}
	c := e.Clone()
	c.Sticky[0].Owner = "changed"
	c.Attributes.Checksums[0].Value = "02"
	c.Attributes.Extra["k"] = "w"

	assert.Equal(t, "a", e.Sticky[0].Owner)
	assert.Equal(t, "01", e.Attributes.Checksums[0].Value)
	assert.Equal(t, "v", e.Attributes.Extra["k"])
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("000000000001"))
	assert.NoError(t, ValidateID("0000A1B2C3D4E5F60718293A4B5C6D7E8F90"))
	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("../etc/passwd"))
	assert.Error(t, ValidateID("00000001"))
	assert.Error(t, ValidateID("00000000000G"))

	id := NewID()
	assert.NoError(t, ValidateID(id))
	assert.NotEqual(t, id, NewID())
}
