package entitlements

import "strings"

// ProductKind distinguishes auto-renewing subscriptions from one-off credit packs.
type ProductKind string

const (
	KindSubscription ProductKind = "subscription"
	KindConsumable   ProductKind = "consumable"
)

// ProductMapping maps one storefront product id to what it grants.
type ProductMapping struct {
	ProductID   string
	Plan        Plan
	CreditDelta int64
	Kind        ProductKind
}

// Catalog is the read-only product table keyed by storefront product id.
type Catalog map[string]ProductMapping

// Lookup resolves a product id; ids are matched case-sensitively after trimming.
func (c Catalog) Lookup(productID string) (ProductMapping, bool) {
	m, ok := c[strings.TrimSpace(productID)]
	return m, ok
}

// Merge returns a copy of c with overrides applied on top.
func (c Catalog) Merge(overrides Catalog) Catalog {
	out := make(Catalog, len(c)+len(overrides))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// DefaultCatalog lists every product id shipped in the apps on both storefronts,
// including the legacy ids still renewing for older installs.
func DefaultCatalog() Catalog {
	entries := []ProductMapping{
		// App Store
		{ProductID: "com.storekeeper.premium.monthly", Plan: PlanPremium, CreditDelta: 500, Kind: KindSubscription},
		{ProductID: "com.storekeeper.premium.yearly", Plan: PlanPremium, CreditDelta: 6000, Kind: KindSubscription},
		{ProductID: "com.storekeeper.premiummax.monthly", Plan: PlanPremiumMax, CreditDelta: 2000, Kind: KindSubscription},
		{ProductID: "com.storekeeper.premiummax.yearly", Plan: PlanPremiumMax, CreditDelta: 24000, Kind: KindSubscription},
		{ProductID: "com.storekeeper.credits.100", CreditDelta: 100, Kind: KindConsumable},
		{ProductID: "com.storekeeper.credits.500", CreditDelta: 500, Kind: KindConsumable},
		{ProductID: "com.storekeeper.credits.2000", CreditDelta: 2000, Kind: KindConsumable},
		// legacy App Store ids
		{ProductID: "premium_monthly", Plan: PlanPremium, CreditDelta: 500, Kind: KindSubscription},
		{ProductID: "premium_monthly_renewal", Plan: PlanPremium, CreditDelta: 500, Kind: KindSubscription},

		// Google Play
		{ProductID: "premium_monthly_android", Plan: PlanPremium, CreditDelta: 500, Kind: KindSubscription},
		{ProductID: "premium_yearly_android", Plan: PlanPremium, CreditDelta: 6000, Kind: KindSubscription},
		{ProductID: "premium_max_monthly_android", Plan: PlanPremiumMax, CreditDelta: 2000, Kind: KindSubscription},
		{ProductID: "premium_max_yearly_android", Plan: PlanPremiumMax, CreditDelta: 24000, Kind: KindSubscription},
		{ProductID: "credits_100", CreditDelta: 100, Kind: KindConsumable},
		{ProductID: "credits_500", CreditDelta: 500, Kind: KindConsumable},
		{ProductID: "credits_2000", CreditDelta: 2000, Kind: KindConsumable},
		// legacy Play ids
		{ProductID: "premium_sub", Plan: PlanPremium, CreditDelta: 500, Kind: KindSubscription},
	}

	c := make(Catalog, len(entries))
	for _, e := range entries {
		c[e.ProductID] = e
	}
	return c
}
