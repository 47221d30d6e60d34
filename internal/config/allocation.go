package config

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AllocationConfig holds the tunables of the billing group engine.
type AllocationConfig struct {
	DefaultMethod    string `mapstructure:"defaultMethod"`
	DefaultGroupName string `mapstructure:"defaultGroupName"`
}

func DefaultAllocationConfig() AllocationConfig {
	return AllocationConfig{
		DefaultMethod:    "proportional",
		DefaultGroupName: "Default",
	}
}

var allocationMethods = map[string]struct{}{
	"proportional": {},
	"fifo":         {},
	"equal":        {},
}

type AllocationConfigHolder struct {
	current atomic.Value // holds AllocationConfig
}

// NewAllocationConfigHolder reads allocation.yml from the standard config
// paths and reloads it when the file changes.
func NewAllocationConfigHolder() (*AllocationConfigHolder, error) {
	return newAllocationConfigHolder("/var/lib/railtab/config", "/etc/railtab", ".")
}

func newAllocationConfigHolder(paths ...string) (*AllocationConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("allocation")
	v.SetConfigType("yml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("RAILTAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultAllocationConfig()
	v.SetDefault("allocation.defaultMethod", defaults.DefaultMethod)
	v.SetDefault("allocation.defaultGroupName", defaults.DefaultGroupName)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeAllocationConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticAllocationConfig(cfg)
	if !fileFound {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeAllocationConfig(v)
		if err != nil {
			log.Printf("[allocation-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[allocation-config] reloaded from %s", e.Name)
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticAllocationConfig returns a holder that never reloads.
func NewStaticAllocationConfig(cfg AllocationConfig) *AllocationConfigHolder {
	holder := &AllocationConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *AllocationConfigHolder) Get() AllocationConfig {
	if h == nil {
		return DefaultAllocationConfig()
	}
	return h.current.Load().(AllocationConfig)
}

func decodeAllocationConfig(v *viper.Viper) (AllocationConfig, error) {
	cfg := AllocationConfig{
		DefaultMethod:    strings.ToLower(strings.TrimSpace(v.GetString("allocation.defaultMethod"))),
		DefaultGroupName: strings.TrimSpace(v.GetString("allocation.defaultGroupName")),
	}
	if err := validateAllocationConfig(cfg); err != nil {
		return AllocationConfig{}, err
	}
	return cfg, nil
}

func validateAllocationConfig(cfg AllocationConfig) error {
	if _, ok := allocationMethods[cfg.DefaultMethod]; !ok {
		return fmt.Errorf("allocation.defaultMethod %q is not supported", cfg.DefaultMethod)
	}
	if cfg.DefaultGroupName == "" {
		return fmt.Errorf("allocation.defaultGroupName cannot be empty")
	}
	return nil
}
