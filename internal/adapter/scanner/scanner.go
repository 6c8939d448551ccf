// Package scanner maps platform tags to extraction strategies and
// normalizes heterogeneous upstream responses into the common product
// record.
//
// A scanner is composed of a navigation phase (browser strategies only),
// an extraction phase (price, sale-status, metadata extractors run in
// parallel and merged) and a normalization phase (platform-native enums
// mapped to the canonical sale-status vocabulary). NOT_FOUND detection is
// platform-specific and is part of the scanner; a NOT_FOUND outcome is a
// success branch, never an error.
package scanner

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/domain"
)

// ScanMethod distinguishes browser-driven scanners from API scanners.
type ScanMethod string

const (
	ScanMethodBrowser ScanMethod = "browser"
	ScanMethodAPI     ScanMethod = "api"
)

// Scanner turns a platform-specific product reference into a normalized
// product record. Browser scanners require a page context acquired from
// the browser pool; API scanners ignore it.
type Scanner interface {
	Platform() domain.Platform
	ScanMethod() ScanMethod
	// ExtractProductID parses the platform-native product id out of a URL.
	// Returns "" when the URL does not reference a product.
	ExtractProductID(rawURL string) string
	Scan(ctx context.Context, rawURL string, page context.Context) (domain.ScanResult, error)
}

// Registry maps platform tags to scanners.
type Registry struct {
	mu       sync.RWMutex
	scanners map[domain.Platform]Scanner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{scanners: make(map[domain.Platform]Scanner)}
}

// NewRegistryFromConfigs builds the default scanner for every configured
// platform. Unknown platforms or strategy types fail here, at
// configuration time.
func NewRegistryFromConfigs(cfgs map[domain.Platform]domain.PlatformConfig) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		s, err := newPlatformScanner(cfg)
		if err != nil {
			return nil, err
		}
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a scanner; duplicate platforms are a conflict.
func (r *Registry) Register(s Scanner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scanners[s.Platform()]; exists {
		return fmt.Errorf("op=scanner.register: %w: %s", domain.ErrConflict, s.Platform())
	}
	r.scanners[s.Platform()] = s
	return nil
}

// Get returns the scanner for a platform.
func (r *Registry) Get(p domain.Platform) (Scanner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scanners[p]
	if !ok {
		return nil, fmt.Errorf("op=scanner.get: %w: no scanner for platform %s", domain.ErrNotFound, p)
	}
	return s, nil
}

// Platforms lists the registered platform tags.
func (r *Registry) Platforms() []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Platform, 0, len(r.scanners))
	for p := range r.scanners {
		out = append(out, p)
	}
	return out
}

// notFoundDetector inspects a fetched payload for the platform's removed-
// product signal.
type notFoundDetector func(p payload) bool

// platformScanner is the shared scanner implementation. Platform files
// configure it with an id pattern, a NOT_FOUND detector and native status
// vocabulary; the strategy layer handles transport.
type platformScanner struct {
	cfg       domain.PlatformConfig
	strat     strategy
	method    ScanMethod
	idPattern *regexp.Regexp
	notFound  notFoundDetector
	statuses  map[string]domain.SaleStatus
	extract   *extractorFacade
}

func newPlatformScanner(cfg domain.PlatformConfig) (*platformScanner, error) {
	build, ok := platformBuilders[cfg.ID]
	if !ok {
		return nil, fmt.Errorf("op=scanner.new: %w: unsupported platform %q", domain.ErrInvalidArgument, cfg.ID)
	}
	return build(cfg)
}

// newScannerBase wires the pieces every platform constructor shares. The
// configured default strategy wins; otherwise the lowest priority number.
func newScannerBase(cfg domain.PlatformConfig, idPattern *regexp.Regexp, nf notFoundDetector, statuses map[string]domain.SaleStatus) (*platformScanner, error) {
	spec, err := cfg.PreferredStrategy(cfg.DefaultStrategy)
	if err != nil {
		return nil, err
	}
	strat, err := buildStrategy(cfg, spec, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	method := ScanMethodAPI
	if spec.Type == domain.StrategyBrowser {
		method = ScanMethodBrowser
	}
	return &platformScanner{
		cfg:       cfg,
		strat:     strat,
		method:    method,
		idPattern: idPattern,
		notFound:  nf,
		statuses:  statuses,
		extract:   newExtractorFacade(cfg.FieldMappings),
	}, nil
}

func (s *platformScanner) Platform() domain.Platform { return s.cfg.ID }
func (s *platformScanner) ScanMethod() ScanMethod    { return s.method }

func (s *platformScanner) ExtractProductID(rawURL string) string {
	m := s.idPattern.FindStringSubmatch(rawURL)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func (s *platformScanner) Scan(ctx context.Context, rawURL string, page context.Context) (domain.ScanResult, error) {
	tracer := otel.Tracer("scanner")
	ctx, span := tracer.Start(ctx, "scanner.Scan")
	defer span.End()
	span.SetAttributes(
		attribute.String("platform", string(s.cfg.ID)),
		attribute.String("strategy", s.strat.id()),
	)

	start := time.Now()
	res := domain.ScanResult{
		Platform:  s.cfg.ID,
		URL:       rawURL,
		Strategy:  s.strat.id(),
		ScannedAt: start.UTC(),
	}

	productID := s.ExtractProductID(rawURL)
	if productID == "" {
		return res, fmt.Errorf("op=scanner.scan: %w: no product id in %q", domain.ErrInvalidArgument, rawURL)
	}
	res.ProductID = productID

	if d := s.cfg.RateLimit.PerRequestDelay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}

	pl, err := s.strat.fetch(ctx, target{ProductID: productID, URL: rawURL, Page: page})
	if err != nil {
		observability.ScansTotal.WithLabelValues(string(s.cfg.ID), "failed").Inc()
		return res, err
	}
	observability.ScanDuration.WithLabelValues(string(s.cfg.ID), s.strat.id()).Observe(time.Since(start).Seconds())

	if s.notFound(pl) {
		res.IsNotFound = true
		observability.ScansTotal.WithLabelValues(string(s.cfg.ID), "not_found").Inc()
		return res, nil
	}

	record, err := s.extract.run(ctx, pl.Data)
	if err != nil {
		observability.ScansTotal.WithLabelValues(string(s.cfg.ID), "failed").Inc()
		return res, err
	}
	record.SaleStatus = normalizeSaleStatus(s.statuses, rawStatus(pl.Data, s.cfg.FieldMappings))
	res.Record = record
	observability.ScansTotal.WithLabelValues(string(s.cfg.ID), "success").Inc()
	return res, nil
}
