package provider

import (
	"fmt"

	"unibox_worker/core/domain"
	"unibox_worker/core/port/out"
)

// Factory resolves the mail adapter for an account's provider.
// Adapters are stateless; one instance per provider is shared by the
// whole worker fleet so the Gmail circuit breaker sees every call.
type Factory struct {
	gmail   *GmailAdapter
	outlook *OutlookAdapter
}

// FactoryConfig holds all provider configurations.
type FactoryConfig struct {
	Gmail   *GmailConfig
	Outlook *OutlookConfig
}

// NewFactory creates a new provider factory.
func NewFactory(cfg *FactoryConfig) *Factory {
	f := &Factory{}
	if cfg.Gmail != nil {
		f.gmail = NewGmailAdapter(cfg.Gmail)
	}
	if cfg.Outlook != nil {
		f.outlook = NewOutlookAdapter(cfg.Outlook)
	}
	return f
}

// ProviderFor returns the adapter for the given provider type.
func (f *Factory) ProviderFor(provider domain.Provider) (out.MailProviderPort, error) {
	switch provider {
	case domain.ProviderGmail:
		if f.gmail == nil {
			return nil, fmt.Errorf("gmail provider not configured")
		}
		return f.gmail, nil
	case domain.ProviderOutlook:
		if f.outlook == nil {
			return nil, fmt.Errorf("outlook provider not configured")
		}
		return f.outlook, nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", provider)
	}
}

var _ out.MailProviderFactory = (*Factory)(nil)
var _ out.MailProviderPort = (*GmailAdapter)(nil)
