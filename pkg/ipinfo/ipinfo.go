// Package ipinfo looks up geo and ASN data for proxy exit addresses.
package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"proxy-lifecycle/pkg/models"
)

const DefaultBaseURL = "https://ipinfo.io"

type IPInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Anycast  bool   `json:"anycast"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Postal   string `json:"postal"`
	Timezone string `json:"timezone"`
}

// ASN splits Org ("AS15169 Google LLC") into number and organisation.
func (r IPInfoResponse) ASN() (number, org string) {
	parts := strings.SplitN(r.Org, " ", 2)
	if len(parts) == 2 && strings.HasPrefix(parts[0], "AS") {
		return strings.TrimPrefix(parts[0], "AS"), parts[1]
	}
	return "", r.Org
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		BaseURL: DefaultBaseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Lookup returns info for ip; an empty ip means the caller's own address.
func (c *Client) Lookup(ctx context.Context, ip string) (IPInfoResponse, error) {
	url := fmt.Sprintf("%s/%s", strings.TrimRight(c.BaseURL, "/"), ip)
	if c.Token != "" {
		url += "?token=" + c.Token
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return IPInfoResponse{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return IPInfoResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return IPInfoResponse{}, fmt.Errorf("ipinfo lookup for %q: status %d", ip, resp.StatusCode)
	}

	var info IPInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return IPInfoResponse{}, err
	}
	return info, nil
}

// Enrich fills location fields the provider left empty.
func Enrich(p *models.ProxyRecord, info IPInfoResponse) {
	if p.Country == "" {
		p.Country = strings.ToUpper(info.Country)
	}
	if p.City == "" {
		p.City = info.City
	}
}
