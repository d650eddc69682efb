package enricher

import (
	"net"
	"strings"

	"github.com/mssola/useragent"
	"github.com/oschwald/geoip2-golang"

	"github.com/gosight/bugscout/internal/storage"
)

type Enricher struct {
	geoIP *geoip2.Reader
}

func NewEnricher(geoIPPath string) *Enricher {
	// Try to load GeoIP database
	var geoIP *geoip2.Reader
	if geoIPPath != "" {
		geoIP, _ = geoip2.Open(geoIPPath)
	}

	return &Enricher{
		geoIP: geoIP,
	}
}

// Enrich derives device and location details for a session from the
// request's User-Agent and client IP. Unknown parts stay empty.
func (e *Enricher) Enrich(userAgentString, clientIP string) storage.DeviceInfo {
	var info storage.DeviceInfo

	// Parse user agent
	if userAgentString != "" {
		ua := useragent.New(userAgentString)
		info.Browser, _ = ua.Browser()
		info.OS = ua.OS()
		info.DeviceType = getDeviceType(ua)
	}

	// GeoIP lookup
	if e != nil && e.geoIP != nil && clientIP != "" {
		if ip := parseIP(clientIP); ip != nil {
			record, err := e.geoIP.City(ip)
			if err == nil {
				info.Country = record.Country.IsoCode
				if name, ok := record.City.Names["en"]; ok {
					info.City = name
				}
			}
		}
	}

	return info
}

// parseIP accepts a bare IP, an IP:port pair or the first entry of an
// X-Forwarded-For list.
func parseIP(s string) net.IP {
	s = strings.TrimSpace(strings.Split(s, ",")[0])
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return net.ParseIP(s)
}

func getDeviceType(ua *useragent.UserAgent) string {
	if ua.Bot() {
		return "bot"
	}
	if ua.Mobile() {
		return "mobile"
	}
	return "desktop"
}

func (e *Enricher) Close() {
	if e != nil && e.geoIP != nil {
		e.geoIP.Close()
	}
}
