package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvoss/attachsync/internal/models"
)

// Typed transfer failures. Runners branch on these to pick a retry policy.
var (
	// ErrSourceMissing means the source object was not found, either the
	// remote copy of a download source or the transit copy backing a
	// copy-style upload.
	ErrSourceMissing = errors.New("source object not found")

	// ErrForbidden means the tier rejected the signed authorization.
	ErrForbidden = errors.New("tier authorization rejected")
)

// RateLimitError carries a server-provided wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// NetworkError wraps connection and timeout failures.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthToken is a short-lived signed authorization for one tier.
type AuthToken struct {
	Token string `json:"token"`

	// PaidTier reports whether the account is entitled to the durable
	// media tier.
	PaidTier bool `json:"paid_tier"`

	// UploadEra is the logical epoch of the active subscription period.
	UploadEra string `json:"upload_era"`

	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token needs refreshing.
func (t *AuthToken) Expired() bool {
	return t == nil || time.Now().After(t.ExpiresAt)
}

// Endpoint describes one side of a transfer.
type Endpoint struct {
	// Tier plus CDNKey locate a remote object; LocalPath locates bytes
	// on the device. Exactly one side of a request is remote.
	Tier      models.Tier
	CDNKey    string
	CDNNumber int
	LocalPath string
}

// TransferRequest describes one invocation of the single-item primitive.
type TransferRequest struct {
	AttachmentID string
	Priority     models.Priority

	// Source is where bytes come from. For copy-style uploads this is a
	// remote endpoint and the server copies tier-to-tier.
	Source Endpoint

	// Destination is where bytes go.
	Destination Endpoint

	// Progress receives byte-count deltas as the transfer advances.
	Progress func(delta int64)
}

// TransferResult reports a completed transfer.
type TransferResult struct {
	// CDNNumber is the generation assigned by the destination tier.
	CDNNumber int

	// BytesTransferred is the total moved, also reported via Progress.
	BytesTransferred int64

	// LocalPath is where downloaded bytes landed.
	LocalPath string
}

// Client is the narrow remote surface the transfer services depend on.
type Client interface {
	// Transfer runs the single-item upload/download/copy primitive.
	Transfer(ctx context.Context, req *TransferRequest) (*TransferResult, error)

	// List pages through the authoritative media tier listing.
	List(ctx context.Context, cursor string, limit int) (*models.ListingPage, error)

	// FetchAuthorization returns a signed authorization for tier,
	// serving a cached token unless expired or forceRefresh is set.
	FetchAuthorization(ctx context.Context, tier models.Tier, forceRefresh bool) (*AuthToken, error)

	// Close releases connections.
	Close() error
}
