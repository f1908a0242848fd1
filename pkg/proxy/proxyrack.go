package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"proxy-lifecycle/pkg/fetch"
	"proxy-lifecycle/pkg/ipinfo"
	"proxy-lifecycle/pkg/models"
)

const proxyRackAPIBase = "http://api.proxyrack.net"

type ProxyRackProvider struct {
	sessionProvider
}

func newProxyRackProvider(config Config, geo *ipinfo.Client, logger *slog.Logger) (*ProxyRackProvider, error) {
	if config.Username == "" {
		return nil, fmt.Errorf("ProxyRack username is required")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("ProxyRack API key is required")
	}
	if config.Endpoint == "" {
		return nil, fmt.Errorf("ProxyRack endpoint is required")
	}
	if config.ISPType == models.MobileType {
		return nil, fmt.Errorf("ProxyRack does not support mobile proxies")
	}
	if config.APIBase == "" {
		config.APIBase = proxyRackAPIBase
	}

	p := &ProxyRackProvider{
		sessionProvider: sessionProvider{
			config: config,
			geo:    geo,
			logger: logger,
			check:  newChecker(config.CheckerURL),
		},
	}
	p.listISPs = p.ISPList
	p.buildURL = p.BuildTransportURL
	return p, nil
}

// ISPList is only reachable through the gateway itself.
func (p *ProxyRackProvider) ISPList(ctx context.Context, countryISO string) ([]string, error) {
	transport := fmt.Sprintf("socks5://%s-country-%s:%s@%s",
		p.config.Username,
		strings.ToUpper(countryISO),
		p.config.APIKey,
		p.config.Endpoint)

	apiURL := fmt.Sprintf("%s/countries/%s/isps", p.config.APIBase, countryISO)
	result, err := fetch.Fetch(ctx, apiURL, fetch.Options{Transport: transport, Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ISP list: %w", err)
	}

	var isps []string
	if err := json.Unmarshal(result.Body, &isps); err != nil {
		return nil, fmt.Errorf("failed to decode ISP list: %w", err)
	}
	return isps, nil
}

// BuildTransportURL returns a transport URL for the ProxyRack provider
func (p *ProxyRackProvider) BuildTransportURL(country, isp string, session int) string {
	var user strings.Builder
	user.WriteString(p.config.Username)
	if country != "" {
		fmt.Fprintf(&user, "-country-%s", strings.ToUpper(country))
	}
	fmt.Fprintf(&user, "-session-%d-refreshMinutes-%d", session, max(p.config.SessionLength/60, 1))
	if isp != "" {
		fmt.Fprintf(&user, "-isp-%s", encodeISP(isp))
	}
	user.WriteString("-autoReplace-strict")

	return fmt.Sprintf("socks5://%s:%s@%s", user.String(), p.config.APIKey, p.config.Endpoint)
}
