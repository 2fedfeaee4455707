package monitors

import (
	"fmt"
	"time"

	"deposit-engine/internal/config"
	"deposit-engine/internal/models"
	"deposit-engine/internal/types"
)

// Factory picks the monitor variant for a watch request
type Factory struct {
	deps   Deps
	chains map[string]config.ChainConfig
}

func NewFactory(chains map[string]config.ChainConfig, deps Deps) *Factory {
	return &Factory{deps: deps, chains: chains}
}

// ChainFamily family of an enabled chain
func (f *Factory) ChainFamily(chain string) (models.ChainFamily, bool) {
	cfg, ok := f.chains[chain]
	if !ok || !cfg.Enabled {
		return "", false
	}
	return models.ChainFamily(cfg.Family), true
}

// New builds an unstarted monitor; unsupported chain/currency pairs are malformed input
func (f *Factory) New(params WatchParams) (Monitor, error) {
	cfg, ok := f.chains[params.Chain]
	if !ok || !cfg.Enabled {
		return nil, types.Malformed(fmt.Sprintf("unsupported chain %q", params.Chain))
	}
	if params.StartedAt.IsZero() {
		params.StartedAt = time.Now()
	}

	switch models.ChainFamily(cfg.Family) {
	case models.ChainFamilyAccount:
		if cfg.IsNative(params.Currency) {
			return NewNativeMonitor(params, cfg, f.deps), nil
		}
		token, ok := cfg.Token(params.Currency)
		if !ok {
			return nil, types.Malformed(fmt.Sprintf("unsupported currency %q on %s", params.Currency, params.Chain))
		}
		return NewTokenMonitor(params, token, f.deps), nil
	case models.ChainFamilyUTXO:
		if !cfg.IsNative(params.Currency) {
			return nil, types.Malformed(fmt.Sprintf("unsupported currency %q on %s", params.Currency, params.Chain))
		}
		return NewUTXOMonitor(params, cfg, f.deps), nil
	case models.ChainFamilyDelegated:
		return NewDelegatedMonitor(params, f.deps), nil
	}
	return nil, types.Malformed(fmt.Sprintf("unsupported chain family %q", cfg.Family))
}
