package proxy

import (
	"fmt"
	"log/slog"

	"proxy-lifecycle/pkg/ipinfo"
	"proxy-lifecycle/pkg/models"
)

// NewProvider creates a new proxy provider based on the config. geo may be nil.
func NewProvider(config Config, geo *ipinfo.Client, logger *slog.Logger) (Provider, error) {
	if config.Name == "" {
		config.Name = string(config.System)
	}
	if config.CheckerURL == "" {
		config.CheckerURL = DefaultCheckerURL
	}
	if config.SessionLength == 0 {
		config.SessionLength = 360 // default to 6 minutes if not specified
	}
	if config.ISPType == "" {
		config.ISPType = models.ResidentialType
	}
	if config.Quality == 0 {
		config.Quality = 90
	}
	logger = logger.With("provider", config.Name)

	switch config.System {
	case SystemSOAX:
		return newSoaxProvider(config, geo, logger)
	case SystemProxyRack:
		return newProxyRackProvider(config, geo, logger)
	case SystemStatic:
		return newStaticProvider(config, logger)
	default:
		return nil, fmt.Errorf("unsupported proxy system: %s", config.System)
	}
}
