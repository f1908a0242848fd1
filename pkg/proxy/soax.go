package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proxy-lifecycle/pkg/ipinfo"
	"proxy-lifecycle/pkg/models"
)

const soaxAPIBase = "https://api.soax.com/api"

type SoaxProvider struct {
	sessionProvider
	http *http.Client
}

func newSoaxProvider(config Config, geo *ipinfo.Client, logger *slog.Logger) (*SoaxProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("SOAX API key is required")
	}
	if config.PackageID == "" {
		return nil, fmt.Errorf("SOAX package ID is required")
	}
	if config.PackageKey == "" {
		return nil, fmt.Errorf("SOAX package key is required")
	}
	if config.Endpoint == "" {
		return nil, fmt.Errorf("SOAX endpoint is required")
	}
	if config.APIBase == "" {
		config.APIBase = soaxAPIBase
	}

	p := &SoaxProvider{
		sessionProvider: sessionProvider{
			config: config,
			geo:    geo,
			logger: logger,
			check:  newChecker(config.CheckerURL),
		},
		http: &http.Client{Timeout: 10 * time.Second},
	}
	p.listISPs = p.ISPList
	p.buildURL = p.BuildTransportURL
	return p, nil
}

// ISPList returns wifi ISPs for residential packages and carriers for mobile ones.
func (p *SoaxProvider) ISPList(ctx context.Context, countryISO string) ([]string, error) {
	q := url.Values{}
	q.Set("api_key", p.config.APIKey)
	q.Set("package_key", p.config.PackageKey)
	q.Set("country_iso", strings.ToLower(countryISO))

	endpoint := p.config.APIBase + "/get-country-isp"
	if p.config.ISPType == models.MobileType {
		endpoint = p.config.APIBase + "/get-country-operators"
	} else {
		q.Set("conn_type", "wifi")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ISP list: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ISP list: %w", err)
	}
	var isps []string
	if err := json.Unmarshal(body, &isps); err != nil {
		p.logger.Error("failed to decode ISP list", "body", string(body))
		return nil, fmt.Errorf("failed to decode ISP list: %w", err)
	}
	return isps, nil
}

// BuildTransportURL returns the sticky-session socks5 URL for the gateway.
func (p *SoaxProvider) BuildTransportURL(country, isp string, session int) string {
	var user strings.Builder
	fmt.Fprintf(&user, "package-%s", p.config.PackageID)
	if country != "" {
		fmt.Fprintf(&user, "-country-%s", strings.ToLower(country))
	}
	fmt.Fprintf(&user, "-sessionid-%d-sessionlength-%d", session, p.config.SessionLength)
	if isp != "" {
		fmt.Fprintf(&user, "-isp-%s", encodeISP(isp))
	}
	user.WriteString("-opt-uniqip")

	return fmt.Sprintf("socks5://%s:%s@%s", user.String(), p.config.PackageKey, p.config.Endpoint)
}
