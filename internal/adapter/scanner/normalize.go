package scanner

import (
	"strings"

	"github.com/commercewatch/prodscan/internal/domain"
)

// normalizeSaleStatus maps a platform-native status value onto the
// canonical vocabulary. Sold-out is kept distinct from off-sale: a product
// that is out of stock is still listed, one that is off sale is not.
// Unknown or empty native values default to on-sale, since every platform
// reports its removed and suspended states explicitly.
func normalizeSaleStatus(table map[string]domain.SaleStatus, raw string) domain.SaleStatus {
	if s, ok := table[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return domain.SaleStatusOnSale
}
