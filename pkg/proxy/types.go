package proxy

import (
	"context"

	"proxy-lifecycle/pkg/models"
)

// System represents the type of proxy system
type System string

const (
	SystemSOAX      System = "soax"
	SystemProxyRack System = "proxyrack"
	SystemStatic    System = "static"
)

const DefaultCheckerURL = "https://checker.soax.com/api/ipinfo"

// Config represents the configuration for a proxy provider
type Config struct {
	System System
	// Name overrides the provider name used in records and metrics.
	Name          string
	Username      string
	APIKey        string
	PackageID     string // only used by SOAX
	PackageKey    string // only used by SOAX
	SessionLength int    // seconds
	Endpoint      string
	CostPerGB     float64
	ISPType       models.ISPType
	// Quality is the starting quality of freshly fetched proxies.
	Quality    float64
	File       string // only used by static
	CheckerURL string
	// APIBase overrides the vendor API root.
	APIBase string
}

// Provider is an upstream source of proxies.
type Provider interface {
	Name() string
	ListProxies(ctx context.Context, criteria models.Criteria) ([]*models.ProxyRecord, error)
	CheckHealth(ctx context.Context, p *models.ProxyRecord) (models.Health, error)
}
