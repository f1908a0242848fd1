/*
Package proxy provides the upstream proxy vendors the pool refills from.

Every vendor implements Provider:

	Name         provider name stamped on records, logs and metrics
	ListProxies  returns up to Criteria.Limit fresh proxies matching the criteria
	CheckHealth  actively probes one proxy and reports reachability and latency

Supported Providers:

 1. SOAX: sticky socks5 sessions on a package gateway. Residential packages
    target wifi ISPs, mobile packages target carriers. The ISP list is fetched
    from the SOAX API and rotated across sessions.

 2. ProxyRack: sticky socks5 sessions with automatic replacement. The ISP list
    is only reachable through the gateway itself. Mobile is not supported.

 3. Static: a file of proxy URLs with metadata in the fragment.

Session vendors verify every minted session against a checker endpoint
before returning it, reject exits in the wrong country and never return the
same exit address twice in one call.

Usage Example:

	provider, err := proxy.NewProvider(proxy.Config{
		System:        proxy.SystemSOAX,
		APIKey:        "your-api-key",
		PackageID:     "your-package-id",
		PackageKey:    "your-package-key",
		SessionLength: 360,
		Endpoint:      "proxy.soax.com:5000",
		CostPerGB:     4.0,
	}, ipinfo.NewClient(token), logger)
	if err != nil {
		return err
	}
	proxies, err := provider.ListProxies(ctx, models.Criteria{Country: "US", Limit: 10})

Configuration errors are returned by NewProvider. Transport failures while
minting are retried up to three attempts per requested proxy; when nothing
could be obtained the last error is returned.
*/
package proxy
