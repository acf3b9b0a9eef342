package model

// Tier is a fixed-price monthly subscription tier.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierBasic:
		return TierBasic, true
	case TierStandard:
		return TierStandard, true
	case TierPremium:
		return TierPremium, true
	default:
		return "", false
	}
}

// Currency for all prices.
const Currency = "eur"

// tierPrices are monthly prices in euro cents.
var tierPrices = map[Tier]int64{
	TierBasic:    9900,
	TierStandard: 14900,
	TierPremium:  24900,
}

func TierMonthlyPrice(t Tier) (int64, bool) {
	p, ok := tierPrices[t]
	return p, ok
}

// durationPrices are appointment prices in euro cents, keyed by minutes.
// The 45-minute introduction session is free by business rule but
// occupies its slot exactly like a priced appointment.
var durationPrices = map[int]int64{
	45:  0,
	60:  7000,
	75:  8500,
	90:  10000,
	105: 11500,
	120: 13000,
}

func AppointmentPrice(durationMinutes int) (int64, bool) {
	p, ok := durationPrices[durationMinutes]
	return p, ok
}
