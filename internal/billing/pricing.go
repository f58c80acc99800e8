package billing

// CurrentPricingVersion selects the tier table amounts are derived from.
// Bump it when prices change; old rows keep the version they were priced
// under so historical amounts stay reproducible.
const CurrentPricingVersion = 1

// pricingTier charges RateCents per subscriber for the slice of the count
// up to UpTo (inclusive). UpTo == 0 means unbounded.
type pricingTier struct {
	UpTo      int
	RateCents int64 // hundredths of a cent to keep the math integral
}

// v1: first 1,000 subscribers free, then per-subscriber rates that taper.
// Rates are in hundredths of a cent per subscriber per month.
var pricingV1 = []pricingTier{
	{UpTo: 1_000, RateCents: 0},
	{UpTo: 10_000, RateCents: 100}, // 1.0¢
	{UpTo: 50_000, RateCents: 80},  // 0.8¢
	{UpTo: 0, RateCents: 50},       // 0.5¢
}

// AmountCents is the pure pricing function: it derives the monthly charge
// in cents from the period's maximum subscriber count. Same inputs, same
// output, no clock, no I/O.
func AmountCents(version, maxSubscribers int) int64 {
	if maxSubscribers <= 0 {
		return 0
	}

	var tiers []pricingTier
	switch version {
	case 1:
		tiers = pricingV1
	default:
		tiers = pricingV1
	}

	var hundredths int64
	prev := 0
	for _, t := range tiers {
		upper := t.UpTo
		if upper == 0 || upper > maxSubscribers {
			upper = maxSubscribers
		}
		if upper > prev {
			hundredths += int64(upper-prev) * t.RateCents
		}
		prev = upper
		if prev >= maxSubscribers {
			break
		}
	}
	return hundredths / 100
}
