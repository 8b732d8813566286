// Package cve looks up known vulnerabilities for an observed service in the
// NVD, trying a prioritized list of search terms and caching positive hits.
package cve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SiriusScan/vulnpatch-api/nvd"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/cache"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/store"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/telemetry"
)

const resultsPerPage = 10

// Aliases maps service names to the product names NVD indexes them under.
var Aliases = map[string][]string{
	"ssh":    {"OpenSSH", "SSH"},
	"mysql":  {"MySQL", "MariaDB"},
	"ftp":    {"vsftpd", "ProFTPD", "Pure-FTPd", "FTP"},
	"http":   {"Apache", "nginx", "IIS"},
	"https":  {"Apache", "nginx", "IIS"},
	"smtp":   {"Postfix", "Exim", "Sendmail"},
	"pop3":   {"Dovecot", "Courier"},
	"imap":   {"Dovecot", "Courier"},
	"telnet": {"Telnet"},
	"snmp":   {"SNMP"},
	"dns":    {"BIND", "dnsmasq"},
	"ntp":    {"NTP", "chrony"},
}

// Result is a resolved CVE record.
type Result struct {
	ID           string             `json:"cve_id"`
	Score        *float64           `json:"cvss_score,omitempty"`
	CVSSVersion  string             `json:"cvss_version,omitempty"`
	Severity     vulnpatch.Severity `json:"severity,omitempty"`
	Description  string             `json:"description"`
	Published    string             `json:"published_date,omitempty"`
	LastModified string             `json:"last_modified,omitempty"`
	References   []string           `json:"references,omitempty"`
	URL          string             `json:"nvd_url"`
}

// Searcher is the NVD surface the service needs.
type Searcher interface {
	KeywordSearch(ctx context.Context, keyword string, limit int) (*nvd.Response, error)
	GetCVE(ctx context.Context, id string) (nvd.CveItem, bool, error)
}

// Service resolves CVEs with caching. A nil KVStore disables caching.
type Service struct {
	client  Searcher
	lookups *cache.Cache[Result]
	details *cache.Cache[Result]
}

// Option configures a Service.
type Option func(*options)

type options struct {
	ttl time.Duration
}

// WithCacheTTL overrides how long resolved CVEs stay cached.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

func NewService(client Searcher, kv store.KVStore, opts ...Option) *Service {
	o := options{ttl: cache.CVETTL}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Service{client: client}
	if kv != nil {
		s.lookups = cache.New[Result](kv, "cve_lookup", "cve:lookup:", o.ttl)
		s.details = cache.New[Result](kv, "cve_details", "cve:details:", o.ttl)
	}
	return s
}

// SearchTerms returns the alias terms for service, then the raw service
// name, then product when set.
func SearchTerms(service, product string) []string {
	var terms []string
	terms = append(terms, Aliases[strings.ToLower(service)]...)
	terms = append(terms, service)
	if product != "" {
		terms = append(terms, product)
	}
	return terms
}

func lookupKey(service, version, product string) string {
	return fmt.Sprintf("%s:%s:%s", strings.ToLower(service), strings.ToLower(version), strings.ToLower(product))
}

// Lookup returns the top CVE for the first search term that yields any
// result. ok is false when nothing was found or NVD could not be reached;
// neither case is an error for the caller.
func (s *Service) Lookup(ctx context.Context, service, version, product string) (Result, bool) {
	key := lookupKey(service, version, product)
	if r, ok := s.lookups.Get(ctx, key); ok {
		telemetry.EnrichmentResults.WithLabelValues("cve", "cache_hit").Inc()
		return r, true
	}

	for _, term := range SearchTerms(service, product) {
		if ctx.Err() != nil {
			break
		}
		keyword := strings.TrimSpace(term + " " + version)
		resp, err := s.client.KeywordSearch(ctx, keyword, resultsPerPage)
		if err != nil {
			var se *nvd.StatusError
			if errors.As(err, &se) && se.RateLimited() {
				slog.Warn("NVD rate limit reached, skipping CVE lookup", "status", se.Code, "service", service)
				break
			}
			slog.Debug("CVE search failed", "term", keyword, "error", err)
			continue
		}
		if len(resp.Vulnerabilities) == 0 {
			continue
		}

		r := FromItem(resp.Vulnerabilities[0].CVE)
		slog.Info("Found CVE data", "service", service, "term", term, "cve_id", r.ID)
		s.lookups.Set(ctx, key, r)
		telemetry.EnrichmentResults.WithLabelValues("cve", "found").Inc()
		return r, true
	}

	telemetry.EnrichmentResults.WithLabelValues("cve", "not_found").Inc()
	return Result{}, false
}

// Details fetches a CVE by id, cached like lookups.
func (s *Service) Details(ctx context.Context, id string) (Result, bool, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if r, ok := s.details.Get(ctx, id); ok {
		return r, true, nil
	}

	item, ok, err := s.client.GetCVE(ctx, id)
	if err != nil {
		return Result{}, false, fmt.Errorf("fetch %s: %w", id, err)
	}
	if !ok {
		return Result{}, false, nil
	}
	r := FromItem(item)
	s.details.Set(ctx, id, r)
	return r, true, nil
}

// FromItem converts an NVD record, bucketing severity from the best score.
func FromItem(item nvd.CveItem) Result {
	r := Result{
		ID:           item.ID,
		Description:  item.EnglishDescription(),
		Published:    item.Published,
		LastModified: item.LastModified,
		References:   item.ReferenceURLs(),
		URL:          "https://nvd.nist.gov/vuln/detail/" + item.ID,
	}
	if score, ok := item.BestScore(); ok {
		v := score.Value
		r.Score = &v
		r.CVSSVersion = score.Version
		r.Severity = vulnpatch.SeverityFromScore(v)
	}
	return r
}
