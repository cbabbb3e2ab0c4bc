package processor

import "time"

// Inspection is the committed state of one key in one slot.
type Inspection struct {
	Slot      string    `json:"slot"`
	Key       string    `json:"key"`
	Partition int       `json:"partition"`
	Version   uint64    `json:"version"`
	Now       time.Time `json:"now"`
	HasTTL    bool      `json:"has_ttl"`
	// Found reports a live value; Stored also covers expired values that
	// were not evicted yet.
	Found        bool        `json:"found"`
	Value        string      `json:"value,omitempty"`
	Stored       bool        `json:"stored"`
	RawValue     string      `json:"raw_value,omitempty"`
	Expiration   *time.Time  `json:"expiration,omitempty"`
	IndexEntries []time.Time `json:"index_entries"`
}

// SlotInfo describes a configured slot.
type SlotInfo struct {
	Name   string        `json:"name"`
	TTL    time.Duration `json:"ttl"`
	TTLStr string        `json:"ttl_text,omitempty"`
	Update string        `json:"update,omitempty"`
	Source string        `json:"source,omitempty"`
}
