package billsync

import (
	"context"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// PortalURL resolves the user's customer and returns a self-service billing
// page URL. Returns a ConfigurationError when the provider has no portal.
func (m *Manager) PortalURL(ctx context.Context, userID, email, returnURL string) (string, error) {
	portal, ok := m.provider.(billing.PortalProvider)
	if !ok {
		return "", newError(KindConfiguration, "PortalURL", userID, billing.ErrProviderNotConfigured)
	}

	customerID, err := m.ResolveCustomer(ctx, userID, email)
	if err != nil {
		return "", err
	}

	var url string
	err = m.callProvider(ctx, func(ctx context.Context) error {
		var err error
		url, err = portal.PortalURL(ctx, customerID, returnURL)
		return err
	})
	if err != nil {
		return "", providerError("PortalURL", userID, err)
	}
	return url, nil
}
