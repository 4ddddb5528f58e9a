// Package auth resolves the Authorization header to a credential record and
// enforces key status, expiry, and the per-key model allow-list.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/metergate/metergate/internal/store"
	"github.com/metergate/metergate/pkg/apierr"
)

// Service authenticates bearer tokens against the credential store.
type Service struct {
	keys store.KeyStore

	// now is swappable in tests.
	now func() time.Time
}

func New(keys store.KeyStore) *Service {
	return &Service{keys: keys, now: time.Now}
}

// Authenticate resolves header (the raw Authorization value) to a credential.
//
//	absent / empty token      → 401
//	unknown token             → 401
//	disabled or expired key   → 403
//
// On success the full record is returned; callers hold onto it for the rest
// of the request rather than re-fetching, so the admission decisions within
// one request are made against a single snapshot.
func (s *Service) Authenticate(ctx context.Context, header string) (*store.APIKey, *apierr.Error) {
	token := ParseBearer(header)
	if token == "" {
		return nil, apierr.Unauthorized("Missing or empty API key")
	}

	key, err := s.keys.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.Unauthorized("Invalid API key")
		}
		return nil, apierr.Internal("credential lookup failed")
	}

	if key.Status != store.KeyEnabled {
		return nil, apierr.Forbidden("API key is disabled")
	}
	if key.Expired(s.now()) {
		return nil, apierr.Forbidden("API key has expired")
	}

	return key, nil
}

// CheckModel enforces the credential's model allow-list.
func (s *Service) CheckModel(key *store.APIKey, model string) *apierr.Error {
	if !key.ModelAllowed(model) {
		return apierr.Forbidden("Model not allowed for this API key: " + model)
	}
	return nil
}

// ParseBearer extracts the token from an Authorization header value.
// The "Bearer " prefix is optional and matched case-insensitively; leading
// and trailing whitespace is trimmed.
func ParseBearer(header string) string {
	token := strings.TrimSpace(header)
	if len(token) >= 7 && strings.EqualFold(token[:7], "Bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}
