package transport

import (
	"context"
	"sync"
	"time"

	"github.com/nvoss/attachsync/internal/models"
)

// MockClient provides an in-memory Client for testing.
type MockClient struct {
	mu sync.Mutex

	// Response configuration. TransferErrors maps attachment id to the
	// error returned for each successive attempt; when the slice runs
	// out the transfer succeeds. TransferErrorsByKey takes precedence
	// and keys on "id/tier" for per-source failure injection.
	TransferResults     map[string]*TransferResult
	TransferErrors      map[string][]error
	TransferErrorsByKey map[string][]error
	ListingPages        []*models.ListingPage
	ListError           error
	AuthTokens          map[models.Tier]*AuthToken
	// RefreshTokens, when set for a tier, is served for forceRefresh
	// fetches instead of AuthTokens. Lets tests downgrade entitlement
	// between the cached and the re-verified token.
	RefreshTokens map[models.Tier]*AuthToken
	AuthError     error

	// Request tracking.
	Transfers    []*TransferRequest
	ListCursors  []string
	AuthRequests []AuthRequest
}

// AuthRequest tracks authorization fetches.
type AuthRequest struct {
	Tier         models.Tier
	ForceRefresh bool
}

// NewMockClient creates a mock archive client.
func NewMockClient() *MockClient {
	return &MockClient{
		TransferResults:     make(map[string]*TransferResult),
		TransferErrors:      make(map[string][]error),
		TransferErrorsByKey: make(map[string][]error),
		AuthTokens: map[models.Tier]*AuthToken{
			models.TierMedia: {
				Token:     "mock-media-token",
				PaidTier:  true,
				UploadEra: "era-1",
				ExpiresAt: time.Now().Add(time.Hour),
			},
			models.TierTransit: {
				Token:     "mock-transit-token",
				PaidTier:  true,
				UploadEra: "era-1",
				ExpiresAt: time.Now().Add(time.Hour),
			},
		},
	}
}

// Transfer mocks the single-item primitive.
func (m *MockClient) Transfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Transfers = append(m.Transfers, req)

	sourceTier := req.Source.Tier
	if sourceTier == "" {
		sourceTier = req.Destination.Tier
	}
	byKey := req.AttachmentID + "/" + string(sourceTier)

	if errs := m.TransferErrorsByKey[byKey]; len(errs) > 0 {
		m.TransferErrorsByKey[byKey] = errs[1:]
		return nil, errs[0]
	}
	if errs := m.TransferErrors[req.AttachmentID]; len(errs) > 0 {
		m.TransferErrors[req.AttachmentID] = errs[1:]
		return nil, errs[0]
	}

	if result, ok := m.TransferResults[req.AttachmentID]; ok {
		if req.Progress != nil && result.BytesTransferred > 0 {
			req.Progress(result.BytesTransferred)
		}
		return result, nil
	}

	return &TransferResult{CDNNumber: 1}, nil
}

// List mocks the remote listing walk, serving configured pages in order.
func (m *MockClient) List(ctx context.Context, cursor string, limit int) (*models.ListingPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListCursors = append(m.ListCursors, cursor)

	if m.ListError != nil {
		return nil, m.ListError
	}

	if len(m.ListingPages) == 0 {
		return &models.ListingPage{}, nil
	}

	page := m.ListingPages[0]
	m.ListingPages = m.ListingPages[1:]
	return page, nil
}

// FetchAuthorization mocks the tier auth fetch.
func (m *MockClient) FetchAuthorization(ctx context.Context, tier models.Tier, forceRefresh bool) (*AuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AuthRequests = append(m.AuthRequests, AuthRequest{Tier: tier, ForceRefresh: forceRefresh})

	if m.AuthError != nil {
		return nil, m.AuthError
	}
	if forceRefresh {
		if token, ok := m.RefreshTokens[tier]; ok {
			return token, nil
		}
	}
	return m.AuthTokens[tier], nil
}

// Close is a no-op.
func (m *MockClient) Close() error { return nil }

// TransferCount returns how many transfers were attempted.
func (m *MockClient) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Transfers)
}
