package paymentgateway

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/frahmantamala/payment-ledger/internal"
)

const (
	ProviderMemory = "memory"
	ProviderStripe = "stripe"
)

// Registry resolves gateways by provider name. It is built once by the
// process entry point and passed to the components that need it.
type Registry struct {
	mu          sync.RWMutex
	gateways    map[string]Gateway
	defaultName string
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
		if r.defaultName == "" {
			r.defaultName = g.Name()
		}
	}
	return r
}

func (r *Registry) Register(g Gateway) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.gateways[g.Name()]; exists {
		return fmt.Errorf("payment provider %q already registered", g.Name())
	}
	r.gateways[g.Name()] = g
	if r.defaultName == "" {
		r.defaultName = g.Name()
	}
	return nil
}

func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gateways[name]
	if !ok {
		return nil, internal.ErrUnknownProvider.WithDetails(map[string]string{"provider": name})
	}
	return g, nil
}

func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.gateways[name]; !ok {
		return internal.ErrUnknownProvider.WithDetails(map[string]string{"provider": name})
	}
	r.defaultName = name
	return nil
}

func (r *Registry) Default() (Gateway, error) {
	r.mu.RLock()
	name := r.defaultName
	r.mu.RUnlock()
	return r.Get(name)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewRegistryFromConfig builds one gateway per enabled provider.
func NewRegistryFromConfig(cfg internal.PaymentConfig, logger *slog.Logger) (*Registry, error) {
	registry := NewRegistry()

	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			logger.Info("payment provider disabled", "provider", name)
			continue
		}

		var g Gateway
		switch name {
		case ProviderMemory:
			g = NewMemoryGateway(name, pc.WebhookSecret, logger)
		case ProviderStripe:
			g = NewStripeGateway(StripeConfig{
				APIKey:        pc.APIKey,
				WebhookSecret: pc.WebhookSecret,
				Timeout:       pc.Timeout,
			}, logger)
		default:
			return nil, fmt.Errorf("no gateway implementation for provider %q", name)
		}

		if err := registry.Register(g); err != nil {
			return nil, err
		}
		logger.Info("payment provider registered", "provider", name)
	}

	if cfg.DefaultProvider != "" {
		if err := registry.SetDefault(cfg.DefaultProvider); err != nil {
			return nil, fmt.Errorf("default provider: %w", err)
		}
	}

	return registry, nil
}
