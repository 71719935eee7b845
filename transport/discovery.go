package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/guardian-switch/interfaces"
)

// TXTRecordPrefix marks TXT strings that advertise a channel URI.
const TXTRecordPrefix = "guardian-channel="

const defaultResolver = "127.0.0.53:53"

// Discoverer expands dnstxt://<domain> locations into the channel URIs
// published in the domain's TXT records.
type Discoverer struct {
	Server  string
	Timeout time.Duration
	log     *slog.Logger
}

// NewDiscoverer creates a discoverer querying server (host:port). An empty
// server uses the first nameserver of /etc/resolv.conf.
func NewDiscoverer(server string, log *slog.Logger) *Discoverer {
	if server == "" {
		server = systemResolver()
	}
	return &Discoverer{
		Server:  server,
		Timeout: 5 * time.Second,
		log:     log,
	}
}

func systemResolver() string {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return defaultResolver
	}
	return net.JoinHostPort(config.Servers[0], config.Port)
}

// Lookup returns the channel URIs advertised for domain.
func (d *Discoverer) Lookup(ctx context.Context, domain string) ([]string, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)

	c := &dns.Client{Timeout: d.Timeout}
	in, _, err := c.ExchangeContext(ctx, m, d.Server)
	if err != nil {
		return nil, fmt.Errorf("%w: TXT lookup for %s failed: %v", interfaces.ErrBackendUnavailable, domain, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: TXT lookup for %s returned %s", interfaces.ErrConfiguration, domain, dns.RcodeToString[in.Rcode])
	}

	uris := ParseTXTRecords(in.Answer)
	d.log.Debug("Discovered channels",
		slog.String("domain", domain),
		slog.Int("count", len(uris)))

	return uris, nil
}

// ParseTXTRecords extracts channel URIs from TXT answers.
func ParseTXTRecords(answers []dns.RR) []string {
	var uris []string
	for _, answer := range answers {
		txt, ok := answer.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			if uri, found := strings.CutPrefix(s, TXTRecordPrefix); found && uri != "" {
				uris = append(uris, uri)
			}
		}
	}
	return uris
}
