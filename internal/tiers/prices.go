package tiers

// PriceMap resolves billing-provider price IDs to tiers
type PriceMap struct {
	byPrice map[string]Name
}

// NewPriceMap builds a PriceMap from price ID to tier name
func NewPriceMap(prices map[string]string) *PriceMap {
	m := &PriceMap{byPrice: make(map[string]Name, len(prices))}
	for price, tier := range prices {
		m.byPrice[price] = Name(tier)
	}
	return m
}

// TierFromPrice returns the tier sold under a price ID
func (m *PriceMap) TierFromPrice(priceID string) (Name, bool) {
	if priceID == "" {
		return "", false
	}
	n, ok := m.byPrice[priceID]
	return n, ok
}
