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

// PaidPlans lists the plan identifiers that map to a platform price.
var PaidPlans = []string{"tier1", "tier2", "tier3"}

// PlanCatalog maps a paid plan identifier to the platform price id.
type PlanCatalog struct {
	Prices map[string]string `mapstructure:"prices"`
}

// PriceFor returns the configured price id for plan.
func (c PlanCatalog) PriceFor(plan string) (string, bool) {
	price, ok := c.Prices[strings.ToLower(strings.TrimSpace(plan))]
	price = strings.TrimSpace(price)
	if !ok || price == "" {
		return "", false
	}
	return price, true
}

// PlanFor is the reverse lookup used when a webhook carries only a price id.
func (c PlanCatalog) PlanFor(priceID string) (string, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return "", false
	}
	for plan, price := range c.Prices {
		if strings.TrimSpace(price) == priceID {
			return plan, true
		}
	}
	return "", false
}

type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalog
}

// NewStaticPlanCatalogHolder wraps a fixed catalog. Used by tests and tooling.
func NewStaticPlanCatalogHolder(catalog PlanCatalog) *PlanCatalogHolder {
	holder := &PlanCatalogHolder{}
	holder.current.Store(normalizeCatalog(catalog))
	return holder
}

// NewPlanCatalogHolder reads plans.yml and keeps it reloaded on change.
// Missing file is not an error: prices may come entirely from env.
func NewPlanCatalogHolder(cfg Config, log *zap.Logger) (*PlanCatalogHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.plans")

	v := viper.New()
	if cfg.PlansFile != "" {
		v.SetConfigFile(cfg.PlansFile)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/billingsync")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BILLINGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, plan := range PaidPlans {
		_ = v.BindEnv("plans.prices." + plan)
	}

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	catalog, err := readCatalog(v)
	if err != nil {
		return nil, err
	}

	holder := &PlanCatalogHolder{}
	holder.current.Store(catalog)

	if fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := readCatalog(v)
			if err != nil {
				log.Warn("plan catalog reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("plan catalog reloaded", zap.String("file", e.Name), zap.Int("prices", len(updated.Prices)))
		})
		v.WatchConfig()
	}

	return holder, nil
}

func (h *PlanCatalogHolder) Get() PlanCatalog {
	if h == nil {
		return PlanCatalog{}
	}
	catalog, _ := h.current.Load().(PlanCatalog)
	return catalog
}

func readCatalog(v *viper.Viper) (PlanCatalog, error) {
	catalog := PlanCatalog{Prices: map[string]string{}}
	for _, plan := range PaidPlans {
		if price := strings.TrimSpace(v.GetString("plans.prices." + plan)); price != "" {
			catalog.Prices[plan] = price
		}
	}
	if err := validatePlanCatalog(catalog); err != nil {
		return PlanCatalog{}, err
	}
	return catalog, nil
}

func normalizeCatalog(catalog PlanCatalog) PlanCatalog {
	out := PlanCatalog{Prices: make(map[string]string, len(catalog.Prices))}
	for plan, price := range catalog.Prices {
		plan = strings.ToLower(strings.TrimSpace(plan))
		price = strings.TrimSpace(price)
		if plan == "" || price == "" {
			continue
		}
		out.Prices[plan] = price
	}
	return out
}

func validatePlanCatalog(catalog PlanCatalog) error {
	seen := make(map[string]string, len(catalog.Prices))
	for plan, price := range catalog.Prices {
		if !isPaidPlan(plan) {
			return fmt.Errorf("unknown plan %q in catalog", plan)
		}
		if other, ok := seen[price]; ok {
			return fmt.Errorf("price %q mapped to both %s and %s", price, other, plan)
		}
		seen[price] = plan
	}
	return nil
}

func isPaidPlan(plan string) bool {
	for _, p := range PaidPlans {
		if p == plan {
			return true
		}
	}
	return false
}
