package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var ErrInvalidTierCatalog = errors.New("invalid_tier_catalog")

// PriceTier maps a payment-provider price id to a subscription tier. Ids
// are kept in a list because viper lowercases map keys.
type PriceTier struct {
	ID   string `mapstructure:"id"`
	Tier string `mapstructure:"tier"`
}

// TierCatalog is the set of subscription tiers and their monthly allotment.
type TierCatalog struct {
	Allotments map[string]int64 `mapstructure:"allotments"`
	Prices     []PriceTier      `mapstructure:"prices"`
}

func DefaultTierCatalog(cfg Config) TierCatalog {
	catalog := TierCatalog{Allotments: map[string]int64{}}
	for tier, tokens := range cfg.Tokens.TierAllotments {
		catalog.Allotments[normalizeTier(tier)] = tokens
	}
	for id, tier := range cfg.Webhook.StripePriceTiers {
		catalog.Prices = append(catalog.Prices, PriceTier{ID: id, Tier: tier})
	}
	return catalog
}

// TierCatalogHolder serves the current catalog. When loaded from a file the
// catalog is replaced on every valid edit; invalid edits are ignored.
type TierCatalogHolder struct {
	current  atomic.Value // holds TierCatalog
	v        *viper.Viper
	defaults TierCatalog
	log      *zap.Logger
}

// StaticTierCatalog holds a fixed catalog without validating it.
func StaticTierCatalog(catalog TierCatalog) *TierCatalogHolder {
	holder := &TierCatalogHolder{defaults: catalog, log: zap.NewNop()}
	holder.current.Store(catalog)
	return holder
}

// NewTierCatalogHolder reads tiers.yml (or TIER_CATALOG_FILE) and watches it
// for changes. Without a file the catalog comes from the environment.
func NewTierCatalogHolder(cfg Config, log *zap.Logger) (*TierCatalogHolder, error) {
	v := viper.New()
	if cfg.TierCatalogFile != "" {
		v.SetConfigFile(cfg.TierCatalogFile)
	} else {
		v.SetConfigName("tiers")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/tokenledger")
		v.AddConfigPath(".")
	}

	holder := &TierCatalogHolder{
		v:        v,
		defaults: DefaultTierCatalog(cfg),
		log:      log.Named("config.tiers"),
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfg.TierCatalogFile != "" || !errors.As(err, &notFound) {
			return nil, err
		}
		if err := validateTierCatalog(holder.defaults); err != nil {
			return nil, err
		}
		holder.current.Store(holder.defaults)
		return holder, nil
	}

	if err := holder.refresh(); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := holder.refresh(); err != nil {
			holder.log.Warn("tier catalog reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.log.Info("tier catalog reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

// refresh decodes the catalog from the last read of the file. Sections the
// file leaves out keep their environment defaults.
func (h *TierCatalogHolder) refresh() error {
	var catalog TierCatalog
	if err := h.v.UnmarshalKey("tiers", &catalog); err != nil {
		return err
	}
	if !h.v.IsSet("tiers.allotments") {
		catalog.Allotments = h.defaults.Allotments
	}
	if !h.v.IsSet("tiers.prices") {
		catalog.Prices = h.defaults.Prices
	}

	normalized := TierCatalog{Allotments: make(map[string]int64, len(catalog.Allotments))}
	for tier, tokens := range catalog.Allotments {
		normalized.Allotments[normalizeTier(tier)] = tokens
	}
	for _, price := range catalog.Prices {
		normalized.Prices = append(normalized.Prices, PriceTier{
			ID:   strings.TrimSpace(price.ID),
			Tier: normalizeTier(price.Tier),
		})
	}
	if err := validateTierCatalog(normalized); err != nil {
		return err
	}

	h.current.Store(normalized)
	return nil
}

func (h *TierCatalogHolder) Get() TierCatalog {
	return h.current.Load().(TierCatalog)
}

// Allotment returns the tokens granted per period for tier.
func (h *TierCatalogHolder) Allotment(tier string) (int64, bool) {
	tokens, ok := h.Get().Allotments[normalizeTier(tier)]
	return tokens, ok
}

// TierForPrice resolves a payment-provider price id to a tier name.
func (h *TierCatalogHolder) TierForPrice(priceID string) (string, bool) {
	priceID = strings.TrimSpace(priceID)
	for _, price := range h.Get().Prices {
		if price.ID == priceID {
			return price.Tier, true
		}
	}
	return "", false
}

func validateTierCatalog(catalog TierCatalog) error {
	if len(catalog.Allotments) == 0 {
		return fmt.Errorf("%w: tiers.allotments cannot be empty", ErrInvalidTierCatalog)
	}
	for tier, tokens := range catalog.Allotments {
		if tier == "" || tokens <= 0 {
			return fmt.Errorf("%w: allotment for %q must be positive", ErrInvalidTierCatalog, tier)
		}
	}
	for _, price := range catalog.Prices {
		if price.ID == "" {
			return fmt.Errorf("%w: price id cannot be empty", ErrInvalidTierCatalog)
		}
		if _, ok := catalog.Allotments[price.Tier]; !ok {
			return fmt.Errorf("%w: price %s maps to unknown tier %q", ErrInvalidTierCatalog, price.ID, price.Tier)
		}
	}
	return nil
}

func normalizeTier(tier string) string {
	return strings.ToLower(strings.TrimSpace(tier))
}
