package pricing

import "math"

// Tariff is a linear fare: base + per-km rate, in rupees.
type Tariff struct {
	BaseFare float64
	PerKm    float64
}

var DefaultTariff = Tariff{BaseFare: 35, PerKm: 10}

// DefaultPlatformFeeRate is the share of a completed fare kept by the platform.
const DefaultPlatformFeeRate = 0.15

// minimumFare is the floor applied to any quote.
const minimumFare = 1

// CalculateFare returns base + perKm*distance rounded to paise, never below ₹1.
func CalculateFare(distanceKm float64, t Tariff) float64 {
	fare := round2(t.BaseFare + t.PerKm*distanceKm)
	return math.Max(minimumFare, fare)
}

// SplitFare divides a fare into the platform fee and the driver's earnings.
// Earnings are derived from the rounded fee so the two always sum to amount.
func SplitFare(amount, feeRate float64) (fee, earnings float64) {
	fee = round2(amount * feeRate)
	earnings = round2(amount - fee)
	return fee, earnings
}

// ToMinorUnits converts rupees to paise.
func ToMinorUnits(rupees float64) int64 {
	return int64(math.Round(rupees * 100))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
