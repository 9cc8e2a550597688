package revocation

// Middleware is the pre-delivery gate the relay router consults: a forward
// is blocked the instant its capability id appears in the store, even when
// the token itself still verifies.
type Middleware struct {
	store *Store
}

// NewMiddleware wraps a store for the forwarding path.
func NewMiddleware(store *Store) *Middleware {
	return &Middleware{store: store}
}

// ShouldBlock reports whether delivery for a capability must be refused,
// with the revocation record when it is.
func (m *Middleware) ShouldBlock(capabilityID string) (bool, *Record) {
	res := m.store.IsRevoked(capabilityID)
	return res.Revoked, res.Record
}

// ShouldBlockAny checks a set of capability ids and returns the first
// revoked one.
func (m *Middleware) ShouldBlockAny(capabilityIDs ...string) (string, bool) {
	for _, id := range capabilityIDs {
		if res := m.store.IsRevoked(id); res.Revoked {
			return id, true
		}
	}
	return "", false
}
