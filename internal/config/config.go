// Package config loads the Operator's runtime configuration from the
// environment, following the env-tag-driven convention used across the
// platform rather than ad hoc os.Getenv calls scattered through the code.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every knob the Operator reads from the environment.
type Config struct {
	// HelmChartPath is the chart the Installer Wrapper installs/upgrades.
	HelmChartPath string `env:"HELM_CHART_PATH" envDefault:"/charts/store-medusa"`

	// DomainSuffix is the default DNS suffix used when a Store's spec
	// does not set one explicitly.
	DomainSuffix string `env:"DOMAIN_SUFFIX" envDefault:"local.urumi"`

	// MaxStores is the ceiling the Reconciler's secondary quota check
	// compares an owner's store count against (strict `>`). It is used
	// whether or not MaxStoresPerOwner / MaxStoresGlobal are set; those two
	// feed only the admission predicate.
	MaxStores int `env:"MAX_STORES" envDefault:"10"`

	// MaxStoresPerOwner is the inclusive upper bound on stores per owner.
	MaxStoresPerOwner int `env:"MAX_STORES_PER_OWNER" envDefault:"5"`

	// MaxStoresGlobal is the inclusive upper bound on stores cluster-wide.
	MaxStoresGlobal int `env:"MAX_STORES_GLOBAL" envDefault:"10"`

	// ProvisionTimeout bounds one Installer.Install call, in seconds: the
	// status check and the install, upgrade or stuck-release cleanup that
	// follows all share this one deadline.
	ProvisionTimeout int `env:"PROVISION_TIMEOUT" envDefault:"300"`

	MedusaImage     string `env:"MEDUSA_IMAGE" envDefault:"medusa-store:latest"`
	StorefrontImage string `env:"STOREFRONT_IMAGE" envDefault:"store-storefront:latest"`
	StorageClass    string `env:"STORAGE_CLASS" envDefault:"standard"`
	IngressClass    string `env:"INGRESS_CLASS" envDefault:"nginx"`

	// RedisURL configures the Event Publisher. Empty disables it.
	RedisURL string `env:"REDIS_URL"`

	// MaxParallelProvisions bounds the Worker Pool Harness's concurrent
	// reconciliations across all Stores.
	MaxParallelProvisions int `env:"MAX_PARALLEL_PROVISIONS" envDefault:"3"`

	// InCluster forces in-cluster kubeconfig loading; otherwise the
	// gateway tries in-cluster first and falls back to KUBECONFIG.
	InCluster bool `env:"IN_CLUSTER" envDefault:"false"`

	// Kubeconfig overrides the default kubeconfig path used by the local
	// fallback loader.
	Kubeconfig string `env:"KUBECONFIG"`

	// LogLevel and LogFormat configure the zap logger.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads Config from the environment, applying defaults for anything
// unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}
