package vault

import "fmt"

// TokenRegistry tracks which fungible assets are currently accepted, their
// price-feed identifiers and enabled state. Native currency is implicitly
// always accepted and never appears here.
type TokenRegistry struct {
	configs map[string]*TokenConfig
	// active holds the symbols of enabled assets for O(1) removal
	// enumeration (swap-with-last-and-pop).
	active []string
}

// NewTokenRegistry constructs an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{configs: make(map[string]*TokenConfig)}
}

// AddToken enables the asset, registering it if unseen. Re-adding an already
// enabled asset overwrites its price-feed id, allowing a feed to be
// re-pointed without a remove/re-add cycle.
func (r *TokenRegistry) AddToken(symbol, priceFeedID string, decimals uint8) error {
	if r == nil {
		return fmt.Errorf("vault: registry not initialised")
	}
	canonical, err := NormalizeAsset(symbol)
	if err != nil {
		return err
	}
	if priceFeedID == "" {
		return fmt.Errorf("vault: price feed id required for %s", canonical)
	}
	cfg, ok := r.configs[canonical]
	if !ok {
		cfg = &TokenConfig{Symbol: canonical, Decimals: decimals}
		r.configs[canonical] = cfg
	}
	cfg.PriceFeedID = priceFeedID
	cfg.Decimals = decimals
	if !cfg.Enabled {
		cfg.Enabled = true
		r.active = append(r.active, canonical)
	}
	return nil
}

// RemoveToken disables the asset. The configuration is retained so recorded
// deposits stay attributable; only the enabled flag and the active list
// change.
func (r *TokenRegistry) RemoveToken(symbol string) error {
	if r == nil {
		return fmt.Errorf("vault: registry not initialised")
	}
	canonical, err := NormalizeAsset(symbol)
	if err != nil {
		return err
	}
	cfg, ok := r.configs[canonical]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotAccepted, canonical)
	}
	if !cfg.Enabled {
		return fmt.Errorf("%w: %s already disabled", ErrAssetNotAccepted, canonical)
	}
	cfg.Enabled = false
	for i, sym := range r.active {
		if sym == canonical {
			last := len(r.active) - 1
			r.active[i] = r.active[last]
			r.active = r.active[:last]
			break
		}
	}
	return nil
}

// Config returns the configuration for the asset regardless of enabled
// state.
func (r *TokenRegistry) Config(symbol string) (TokenConfig, bool) {
	if r == nil {
		return TokenConfig{}, false
	}
	canonical, err := NormalizeAsset(symbol)
	if err != nil {
		return TokenConfig{}, false
	}
	cfg, ok := r.configs[canonical]
	if !ok {
		return TokenConfig{}, false
	}
	return *cfg, true
}

// Enabled reports whether the asset is currently accepted.
func (r *TokenRegistry) Enabled(symbol string) bool {
	cfg, ok := r.Config(symbol)
	return ok && cfg.Enabled
}

// ActiveTokens returns the symbols of currently enabled assets. The slice is
// a copy; ordering reflects registration and removal history, not priority.
func (r *TokenRegistry) ActiveTokens() []string {
	if r == nil {
		return nil
	}
	return append([]string{}, r.active...)
}
