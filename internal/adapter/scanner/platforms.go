package scanner

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/commercewatch/prodscan/internal/domain"
)

// platformBuilders maps each supported platform to its scanner
// constructor. Adding a platform means adding an entry here plus its
// configuration file; the registry refuses platforms without a builder.
var platformBuilders = map[domain.Platform]func(domain.PlatformConfig) (*platformScanner, error){
	domain.PlatformOliveYoung: newOliveYoungScanner,
	domain.PlatformHwahae:     newHwahaeScanner,
	domain.PlatformMusinsa:    newMusinsaScanner,
	domain.PlatformAbly:       newAblyScanner,
	domain.PlatformKurly:      newKurlyScanner,
	domain.PlatformZigzag:     newZigzagScanner,
}

// statusNotFound is the detector shared by platforms that answer a plain
// 404 for removed products.
func statusNotFound(p payload) bool {
	return p.StatusCode == http.StatusNotFound
}

var oliveyoungIDPattern = regexp.MustCompile(`goodsNo=([A-Z0-9]+)`)

// Oliveyoung serves a placeholder page with HTTP 200 for deleted products,
// so the detector inspects the payload body as well as the status code.
func newOliveYoungScanner(cfg domain.PlatformConfig) (*platformScanner, error) {
	nf := func(p payload) bool {
		if statusNotFound(p) {
			return true
		}
		if name, ok := lookupString(p.Data, cfg.FieldMappings[fieldName]); ok {
			return strings.Contains(name, "판매종료") || strings.Contains(name, "존재하지 않는")
		}
		return len(p.Data) == 0
	}
	return newScannerBase(cfg, oliveyoungIDPattern, nf, map[string]domain.SaleStatus{
		"SALE":         domain.SaleStatusOnSale,
		"SOLDOUT":      domain.SaleStatusSoldOut,
		"TEMP_SOLDOUT": domain.SaleStatusSoldOut,
		"STOP":         domain.SaleStatusOffSale,
	})
}

var hwahaeIDPattern = regexp.MustCompile(`/products?/(\d+)`)

func newHwahaeScanner(cfg domain.PlatformConfig) (*platformScanner, error) {
	return newScannerBase(cfg, hwahaeIDPattern, statusNotFound, map[string]domain.SaleStatus{
		"ON_SALE":            domain.SaleStatusOnSale,
		"SOLD_OUT":           domain.SaleStatusSoldOut,
		"TEMPORARY_SOLD_OUT": domain.SaleStatusSoldOut,
		"DISCONTINUED":       domain.SaleStatusOffSale,
	})
}

var musinsaIDPattern = regexp.MustCompile(`/(?:app/goods|products)/(\d+)`)

func newMusinsaScanner(cfg domain.PlatformConfig) (*platformScanner, error) {
	return newScannerBase(cfg, musinsaIDPattern, statusNotFound, map[string]domain.SaleStatus{
		"SALE":         domain.SaleStatusOnSale,
		"SOLDOUT":      domain.SaleStatusSoldOut,
		"TEMP_SOLDOUT": domain.SaleStatusSoldOut,
		"DISPLAY_END":  domain.SaleStatusOffSale,
	})
}

var ablyIDPattern = regexp.MustCompile(`/goods/(\d+)`)

// Ably redirects removed products to its home page instead of answering
// 404, so the detector checks whether the final URL left the goods path.
func newAblyScanner(cfg domain.PlatformConfig) (*platformScanner, error) {
	nf := func(p payload) bool {
		if statusNotFound(p) {
			return true
		}
		return p.FinalURL != "" && !strings.Contains(p.FinalURL, "/goods/")
	}
	return newScannerBase(cfg, ablyIDPattern, nf, map[string]domain.SaleStatus{
		"NORMAL":       domain.SaleStatusOnSale,
		"SOLDOUT":      domain.SaleStatusSoldOut,
		"TEMP_SOLDOUT": domain.SaleStatusSoldOut,
		"CLOSED":       domain.SaleStatusOffSale,
	})
}

var kurlyIDPattern = regexp.MustCompile(`/goods/(\d+)`)

// Kurly returns 200 with an empty product node for removed products.
func newKurlyScanner(cfg domain.PlatformConfig) (*platformScanner, error) {
	nf := func(p payload) bool {
		if statusNotFound(p) {
			return true
		}
		if len(p.Data) == 0 {
			return true
		}
		_, ok := lookupString(p.Data, cfg.FieldMappings[fieldName])
		return !ok
	}
	return newScannerBase(cfg, kurlyIDPattern, nf, map[string]domain.SaleStatus{
		"ON_SALE":            domain.SaleStatusOnSale,
		"SOLD_OUT":           domain.SaleStatusSoldOut,
		"TEMPORARY_SOLD_OUT": domain.SaleStatusSoldOut,
		"END_OF_SALE":        domain.SaleStatusOffSale,
	})
}

var zigzagIDPattern = regexp.MustCompile(`/catalog/products/(\d+)`)

// Zigzag's GraphQL API answers 200 with a null product for unknown ids.
func newZigzagScanner(cfg domain.PlatformConfig) (*platformScanner, error) {
	nf := func(p payload) bool {
		if statusNotFound(p) {
			return true
		}
		v, ok := lookup(p.Data, "product")
		return ok && v == nil
	}
	return newScannerBase(cfg, zigzagIDPattern, nf, map[string]domain.SaleStatus{
		"ON_SALE":       domain.SaleStatusOnSale,
		"SOLD_OUT":      domain.SaleStatusSoldOut,
		"TEMP_SOLD_OUT": domain.SaleStatusSoldOut,
		"SUSPENDED":     domain.SaleStatusOffSale,
	})
}
