package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"proxy-lifecycle/pkg/connectivity"
	"proxy-lifecycle/pkg/fetch"
	"proxy-lifecycle/pkg/ipinfo"
	"proxy-lifecycle/pkg/models"
)

// checkerInfo is the exit-address report returned by the checker endpoint.
type checkerInfo struct {
	Status bool   `json:"status"`
	Reason string `json:"reason"`
	Data   struct {
		Carrier     string `json:"carrier"`
		City        string `json:"city"`
		CountryCode string `json:"country_code"`
		CountryName string `json:"country_name"`
		IP          string `json:"ip"`
		ISP         string `json:"isp"`
		Region      string `json:"region"`
	} `json:"data"`
}

type checkFunc func(ctx context.Context, transport string) (checkerInfo, time.Duration, error)

var errNoNodes = errors.New("no available nodes")

// diagnose runs a DNS-over-TCP probe through a tunnel whose checker request
// failed and returns a message naming the failing operation. Replaced in tests.
var diagnose = func(ctx context.Context, transport string, checkErr error) string {
	report, err := connectivity.Probe(ctx, transport, "tcp", "", "")
	if err != nil || report.OK() {
		return checkErr.Error()
	}
	return checkErr.Error() + "; " + report.Summary()
}

func newChecker(checkerURL string) checkFunc {
	return func(ctx context.Context, transport string) (checkerInfo, time.Duration, error) {
		res, err := fetch.Fetch(ctx, checkerURL, fetch.Options{
			Transport: transport,
			Headers:   []string{"User-Agent: proxy-lifecycle/1.0"},
			Timeout:   10 * time.Second,
		})
		if err != nil {
			if strings.Contains(err.Error(), "general SOCKS server failure") {
				return checkerInfo{}, 0, fmt.Errorf("%w: %v", errNoNodes, err)
			}
			return checkerInfo{}, 0, err
		}
		if res.StatusCode != http.StatusOK {
			return checkerInfo{}, 0, fmt.Errorf("checker returned status %d", res.StatusCode)
		}
		var info checkerInfo
		if err := json.Unmarshal(res.Body, &info); err != nil {
			return checkerInfo{}, 0, fmt.Errorf("failed to decode IP info: %w", err)
		}
		if info.Data.IP == "" {
			return checkerInfo{}, 0, fmt.Errorf("checker returned no IP: %s", info.Reason)
		}
		return info, res.Latency, nil
	}
}

// sessionProvider mints proxies as sticky sessions on a vendor gateway. Each
// session id yields a distinct exit address for SessionLength seconds.
type sessionProvider struct {
	config Config
	geo    *ipinfo.Client
	logger *slog.Logger
	check  checkFunc

	listISPs func(ctx context.Context, country string) ([]string, error)
	buildURL func(country, isp string, session int) string
}

func (p *sessionProvider) Name() string {
	return p.config.Name
}

func shuffleStrings(slice []string) {
	rand.Shuffle(len(slice), func(i, j int) { slice[i], slice[j] = slice[j], slice[i] })
}

// serves reports whether the vendor can satisfy the static part of c at all.
func (p *sessionProvider) serves(c models.Criteria) bool {
	if c.Protocol != "" && c.Protocol != models.ProtocolSOCKS5 {
		return false
	}
	if c.ISPType != "" && c.ISPType != p.config.ISPType {
		return false
	}
	if c.MaxCostPerGB > 0 && p.config.CostPerGB > c.MaxCostPerGB {
		return false
	}
	return true
}

func (p *sessionProvider) ListProxies(ctx context.Context, criteria models.Criteria) ([]*models.ProxyRecord, error) {
	if !p.serves(criteria) {
		return nil, nil
	}
	limit := criteria.Limit
	if limit <= 0 {
		limit = 1
	}

	var isps []string
	if criteria.Country != "" && p.listISPs != nil {
		var err error
		isps, err = p.listISPs(ctx, criteria.Country)
		if err != nil {
			p.logger.Debug("ISP list unavailable, using country targeting", "country", criteria.Country, "error", err)
		}
		shuffleStrings(isps)
	}

	var (
		out     []*models.ProxyRecord
		lastErr error
		seen    = make(map[string]bool)
	)
	maxAttempts := limit * 3
	for attempt := 0; len(out) < limit && attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		isp := ""
		if len(isps) > 0 {
			isp = isps[attempt%len(isps)]
		}
		session := rand.Intn(1000000)
		transport := p.buildURL(criteria.Country, isp, session)

		info, latency, err := p.check(ctx, transport)
		if err != nil {
			lastErr = err
			if errors.Is(err, errNoNodes) && isp != "" {
				isps = removeString(isps, isp)
			}
			continue
		}

		// The exit may sit in another country when the peer runs a VPN.
		if criteria.Country != "" && !strings.EqualFold(criteria.Country, info.Data.CountryCode) {
			p.logger.Debug("IP is from a different country",
				"ip", info.Data.IP,
				"expected", criteria.Country,
				"actual", info.Data.CountryCode)
			continue
		}
		if seen[info.Data.IP] {
			continue
		}
		seen[info.Data.IP] = true

		rec := p.record(ctx, transport, info, latency)
		if !criteria.Matches(rec) {
			continue
		}
		out = append(out, rec)
	}

	if len(out) == 0 && lastErr != nil {
		return nil, fmt.Errorf("%s: no proxy obtained: %w", p.Name(), lastErr)
	}
	return out, nil
}

func (p *sessionProvider) record(ctx context.Context, transport string, info checkerInfo, latency time.Duration) *models.ProxyRecord {
	now := time.Now()
	rec := &models.ProxyRecord{
		ID:           uuid.NewString(),
		Provider:     p.Name(),
		Protocol:     models.ProtocolSOCKS5,
		TransportURL: transport,
		Country:      strings.ToUpper(info.Data.CountryCode),
		City:         info.Data.City,
		ISPType:      p.config.ISPType,
		Anonymity:    models.AnonymityHigh,
		Quality:      p.config.Quality,
		LatencyMs:    float64(latency.Milliseconds()),
		CostPerGB:    p.config.CostPerGB,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(p.config.SessionLength) * time.Second),
	}
	if u, err := url.Parse(transport); err == nil {
		rec.Host = u.Hostname()
		rec.Port, _ = strconv.Atoi(u.Port())
		rec.Username = u.User.Username()
		rec.Password, _ = u.User.Password()
	}
	if rec.City == "" && p.geo != nil {
		if geo, err := p.geo.Lookup(ctx, info.Data.IP); err == nil {
			ipinfo.Enrich(rec, geo)
		} else {
			p.logger.Debug("ipinfo lookup failed", "ip", info.Data.IP, "error", err)
		}
	}
	return rec
}

// CheckHealth re-runs the checker through the proxy. The exit address may
// rotate between checks; only reachability and latency are judged.
func (p *sessionProvider) CheckHealth(ctx context.Context, rec *models.ProxyRecord) (models.Health, error) {
	if rec.TransportURL == "" {
		return models.Health{}, fmt.Errorf("proxy %s has no transport", rec.ID)
	}
	info, latency, err := p.check(ctx, rec.TransportURL)
	if err != nil {
		return models.Health{Healthy: false, Message: diagnose(ctx, rec.TransportURL, err)}, nil
	}
	ms := float64(latency.Milliseconds())
	if ip := net.ParseIP(info.Data.IP); ip == nil {
		return models.Health{Healthy: false, LatencyMs: ms, Message: "invalid exit address"}, nil
	}
	return models.Health{Healthy: true, LatencyMs: ms, Message: info.Data.IP}, nil
}

func removeString(slice []string, s string) []string {
	out := slice[:0]
	for _, v := range slice {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func encodeISP(isp string) string {
	return strings.ReplaceAll(url.QueryEscape(isp), "+", "%20")
}
