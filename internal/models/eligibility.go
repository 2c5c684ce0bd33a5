package models

// Eligibility is the per-item, per-source answer computed fresh for every
// enqueue and every run attempt. Facets are independent: an item may be
// ineligible for one source but eligible for a fallback.
type Eligibility struct {
	// CanDownload is false only when no retrievable source of any kind
	// exists.
	CanDownload bool `json:"can_download"`

	// MediaTierFullsize permits the durable tier fullsize source.
	MediaTierFullsize bool `json:"media_tier_fullsize"`

	// TransitTierFullsize permits the short-lived tier fullsize source.
	TransitTierFullsize bool `json:"transit_tier_fullsize"`

	// Thumbnail permits the degraded thumbnail source.
	Thumbnail bool `json:"thumbnail"`

	// Priority derived from the attachment's recency.
	Priority Priority `json:"priority"`
}

// AnyFullsize reports whether either fullsize source is permitted.
func (e Eligibility) AnyFullsize() bool {
	return e.MediaTierFullsize || e.TransitTierFullsize
}
