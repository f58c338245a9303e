package replica

// Checksum is a typed checksum value as recorded by the namespace.
type Checksum struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Attributes carries the file metadata the namespace knows about a replica.
// The repository treats everything except ID and Size as opaque.
type Attributes struct {
	ID              string            `json:"id"`
	Size            int64             `json:"size"` // -1 when unknown
	StorageClass    string            `json:"storage_class,omitempty"`
	Owner           string            `json:"owner,omitempty"`
	AccessLatency   string            `json:"access_latency,omitempty"`
	RetentionPolicy string            `json:"retention_policy,omitempty"`
	Checksums       []Checksum        `json:"checksums,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy of the attributes.
func (a Attributes) Clone() Attributes {
	c := a
	if a.Checksums != nil {
		c.Checksums = append([]Checksum(nil), a.Checksums...)
	}
	if a.Extra != nil {
		c.Extra = make(map[string]string, len(a.Extra))
		for k, v := range a.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// HasSize reports whether the expected replica size is known.
func (a Attributes) HasSize() bool {
	return a.Size >= 0
}
