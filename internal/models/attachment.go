package models

import "time"

// Tier identifies a remote storage backend for attachment bytes.
type Tier string

const (
	// TierTransit is the short-lived per-message storage tier.
	TierTransit Tier = "transit"
	// TierMedia is the durable long-lived storage tier.
	TierMedia Tier = "media"
)

// Attachment mirrors the persisted attachment metadata this subsystem reads
// and updates. The attachment store owns the row's lifecycle; transfer code
// only mutates tier pointers, generations and download state.
type Attachment struct {
	ID string `json:"id"`

	// LocalPath points at the plaintext bytes on disk, empty when the
	// device holds no local stream.
	LocalPath string `json:"local_path,omitempty"`

	// Transit tier pointer, valid while the per-message copy exists.
	TransitCDNKey    string `json:"transit_cdn_key,omitempty"`
	TransitCDNNumber int    `json:"transit_cdn_number,omitempty"`

	// MediaName is the stable name the media tier derives object ids from.
	MediaName string `json:"media_name,omitempty"`

	// MediaCDNNumber is the recorded generation of the fullsize object on
	// the media tier. Nil means no generation has been recorded yet.
	MediaCDNNumber *int `json:"media_cdn_number,omitempty"`

	// MediaExpired marks the media tier copy as confirmed absent.
	MediaExpired bool `json:"media_expired,omitempty"`

	// Thumbnail variant state. ThumbnailPath locates the locally
	// generated thumbnail bytes, when any exist.
	HasThumbnail       bool   `json:"has_thumbnail,omitempty"`
	ThumbnailPath      string `json:"thumbnail_path,omitempty"`
	ThumbnailCDNNumber *int   `json:"thumbnail_cdn_number,omitempty"`

	FullsizeBytes  int64 `json:"fullsize_bytes"`
	ThumbnailBytes int64 `json:"thumbnail_bytes,omitempty"`

	Downloaded bool `json:"downloaded,omitempty"`

	// ReceivedAt is the logical recency used for download prioritization.
	ReceivedAt time.Time `json:"received_at"`
}

// HasLocalStream reports whether the device still holds the plaintext bytes.
func (a *Attachment) HasLocalStream() bool {
	return a.LocalPath != ""
}

// HasTransitPointer reports whether a transit tier copy is known.
func (a *Attachment) HasTransitPointer() bool {
	return a.TransitCDNKey != ""
}

// HasMediaPointer reports whether a live media tier copy is recorded.
func (a *Attachment) HasMediaPointer() bool {
	return a.MediaName != "" && a.MediaCDNNumber != nil && !a.MediaExpired
}

// HasThumbnailPointer reports whether a thumbnail copy is recorded remotely.
func (a *Attachment) HasThumbnailPointer() bool {
	return a.HasThumbnail && a.ThumbnailCDNNumber != nil
}

// RemoteObject is one entry of the authoritative media tier listing.
type RemoteObject struct {
	MediaID   string `json:"media_id"`
	CDNNumber int    `json:"cdn_number"`
}

// ListingPage is one page of the remote listing walk.
type ListingPage struct {
	Objects    []RemoteObject `json:"objects"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// OrphanRecord flags a remote object for server-side deletion. A separate
// sweep consumes these; this subsystem appends them and clears any entry
// that would race an upload of the same object.
type OrphanRecord struct {
	ID        int64     `json:"id"`
	MediaID   string    `json:"media_id"`
	CDNNumber int       `json:"cdn_number"`
	CreatedAt time.Time `json:"created_at"`
}
