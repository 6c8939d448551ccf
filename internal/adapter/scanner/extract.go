package scanner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/commercewatch/prodscan/internal/domain"
)

// Field mapping keys every platform configuration uses. Values are dotted
// paths into the fetched payload. Keys prefixed "metadata." land in the
// record's metadata map under the suffix.
const (
	fieldName            = "name"
	fieldThumbnail       = "thumbnail_url"
	fieldOriginalPrice   = "original_price"
	fieldDiscountedPrice = "discounted_price"
	fieldSaleStatus      = "sale_status"
	metadataPrefix       = "metadata."
)

// extractorFacade runs the identity, price and metadata extractors over a
// fetched payload concurrently and merges their output into one record.
type extractorFacade struct {
	mappings map[string]string
}

func newExtractorFacade(mappings map[string]string) *extractorFacade {
	return &extractorFacade{mappings: mappings}
}

func (e *extractorFacade) run(ctx context.Context, data map[string]any) (*domain.ProductRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := &domain.ProductRecord{}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		name, ok := lookupString(data, e.mappings[fieldName])
		if !ok {
			fail(fmt.Errorf("op=scanner.extract: %w: missing product name", domain.ErrUpstreamProtocol))
			return
		}
		thumb, _ := lookupString(data, e.mappings[fieldThumbnail])
		mu.Lock()
		rec.Name = name
		rec.ThumbnailURL = thumb
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		orig, err := lookupPrice(data, e.mappings[fieldOriginalPrice])
		if err != nil {
			fail(fmt.Errorf("op=scanner.extract: original price: %w", err))
			return
		}
		disc, err := lookupPrice(data, e.mappings[fieldDiscountedPrice])
		if err != nil {
			fail(fmt.Errorf("op=scanner.extract: discounted price: %w", err))
			return
		}
		if disc == 0 {
			disc = orig
		}
		mu.Lock()
		rec.OriginalPrice = orig
		rec.DiscountedPrice = disc
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		meta := make(map[string]string)
		for key, path := range e.mappings {
			if !strings.HasPrefix(key, metadataPrefix) {
				continue
			}
			if v, ok := lookupString(data, path); ok {
				meta[strings.TrimPrefix(key, metadataPrefix)] = v
			}
		}
		if len(meta) > 0 {
			mu.Lock()
			rec.Metadata = meta
			mu.Unlock()
		}
	}()
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return rec, nil
}

// rawStatus pulls the platform-native sale status string out of a payload.
func rawStatus(data map[string]any, mappings map[string]string) string {
	s, _ := lookupString(data, mappings[fieldSaleStatus])
	return s
}

// lookup walks a dotted path through nested maps.
func lookup(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(data map[string]any, path string) (string, bool) {
	v, ok := lookup(data, path)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, s != ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}

// lookupPrice tolerates the shapes upstreams use for money: JSON numbers,
// and digit strings with comma separators. A missing path yields zero.
func lookupPrice(data map[string]any, path string) (int64, error) {
	v, ok := lookup(data, path)
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		if cleaned == "" {
			return 0, nil
		}
		p, err := strconv.ParseInt(cleaned, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad price %q", domain.ErrUpstreamProtocol, n)
		}
		return p, nil
	default:
		return 0, fmt.Errorf("%w: bad price type %T", domain.ErrUpstreamProtocol, v)
	}
}
