package domain

import "time"

// PriceQuote is one entry of a provider's price schedule.
type PriceQuote struct {
	Kind       JobKind `json:"kind"`
	AmountMsat int64   `json:"amount_msat"`
}

// ProviderAnnouncement advertises a provider's capabilities for discovery.
// Published periodically; read-only for customers.
type ProviderAnnouncement struct {
	Provider    AgentID      `json:"provider"`
	Kinds       []JobKind    `json:"kinds"`
	Prices      []PriceQuote `json:"prices"`
	Network     string       `json:"network"`
	Capacity    int          `json:"capacity,omitempty"`
	Models      []string     `json:"models,omitempty"`
	ChannelHint string       `json:"channel_hint,omitempty"`
	PublishedAt time.Time    `json:"published_at"`
}

// Supports reports whether the provider advertises the given job kind.
func (a ProviderAnnouncement) Supports(kind JobKind) bool {
	for _, k := range a.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// PriceFor returns the advertised price for a kind, or -1 if not listed.
func (a ProviderAnnouncement) PriceFor(kind JobKind) int64 {
	for _, q := range a.Prices {
		if q.Kind == kind {
			return q.AmountMsat
		}
	}
	return -1
}
