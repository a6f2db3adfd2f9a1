// Package navcalc computes settlement values for fund-unit transactions:
// maturity and sell dates, accrued sell values, rounded settlement prices and
// realized rates. All functions are pure and reproduce the legacy spreadsheet
// formulas, including its rounding conventions.
//
// Error policy: bad numeric input never produces an error. Missing or invalid
// numbers coerce to 0 and flow through, yielding a degenerate result; the
// pipeline stays available and callers decide what a zero result means.
package navcalc

import (
	"math"
	"time"

	"github.com/ccqtrade/engine/internal/dateutil"
)

// SellPriceStep is the step settlement prices are rounded to.
const SellPriceStep = 50

// sanitize coerces NaN and infinities to 0.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// addMonthsClamped adds months calendar-style, clamping to the last day of
// the target month (EDATE semantics: Jan 31 + 1 month = Feb 28/29).
func addMonthsClamped(d time.Time, months int) time.Time {
	first := time.Date(d.Year(), d.Month()+time.Month(months), 1, 0, 0, 0, 0, d.Location())
	last := first.AddDate(0, 1, -1).Day()
	day := d.Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, d.Location())
}

// MaturityDate is purchaseDate plus termMonths calendar months; a result on
// Saturday or Sunday rolls forward to the next Monday.
func MaturityDate(purchaseDate time.Time, termMonths int) time.Time {
	d := addMonthsClamped(purchaseDate, termMonths)
	switch d.Weekday() {
	case time.Saturday:
		d = d.AddDate(0, 0, 2)
	case time.Sunday:
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// SellDate is 2 workdays before maturityDate.
func SellDate(maturityDate time.Time, holidays dateutil.HolidaySet) time.Time {
	return dateutil.Workday(maturityDate, -2, holidays)
}

// PurchaseValue is the gross cost of the units including the purchase fee.
func PurchaseValue(units, pricePerUnit, feeRatePercent float64) float64 {
	units, pricePerUnit, feeRatePercent = sanitize(units), sanitize(pricePerUnit), sanitize(feeRatePercent)
	base := units * pricePerUnit
	return base + base*feeRatePercent/100
}

// PriceWithFee is the effective per-unit cost; 0 if units is not positive.
func PriceWithFee(purchaseValue, units float64) float64 {
	purchaseValue, units = sanitize(purchaseValue), sanitize(units)
	if units <= 0 {
		return 0
	}
	return purchaseValue / units
}

// SellValue1 accrues simple interest on the purchase value over days at an
// annual rate; returns purchaseValue unchanged when days is not positive.
func SellValue1(purchaseValue, interestRatePercent float64, days int) float64 {
	purchaseValue, interestRatePercent = sanitize(purchaseValue), sanitize(interestRatePercent)
	if days <= 0 {
		return purchaseValue
	}
	return purchaseValue*(interestRatePercent/100)/365*float64(days) + purchaseValue
}

// SellPrice1 is the per-unit accrued value rounded half-to-even; 0 if units
// is not positive.
func SellPrice1(sellValue1, units float64) float64 {
	sellValue1, units = sanitize(sellValue1), sanitize(units)
	if units <= 0 {
		return 0
	}
	return math.RoundToEven(sellValue1 / units)
}

// SellPrice2 is SellPrice1 rounded to the settlement price step.
func SellPrice2(sellPrice1 float64) float64 {
	return dateutil.MRound(sanitize(sellPrice1), SellPriceStep)
}

// SellValue2 is the settlement amount at the rounded price.
func SellValue2(units, sellPrice2 float64) float64 {
	return sanitize(units) * sanitize(sellPrice2)
}

// Difference is the rounding residue between the settled and accrued amounts.
func Difference(sellValue2, sellValue1 float64) float64 {
	return sanitize(sellValue2) - sanitize(sellValue1)
}

// ConvertedRate annualizes the realized return of selling at sellPrice2
// against purchasePrice over days, in percent; 0 when purchasePrice or days
// is not positive.
func ConvertedRate(sellPrice2, purchasePrice float64, days int) float64 {
	sellPrice2, purchasePrice = sanitize(sellPrice2), sanitize(purchasePrice)
	if purchasePrice <= 0 || days <= 0 {
		return 0
	}
	return (sellPrice2/purchasePrice - 1) * 365 / float64(days) * 100
}

// InterestDelta is the spread between the realized annualized rate and the
// contractual one.
func InterestDelta(convertedRate, interestRatePercent float64) float64 {
	return sanitize(convertedRate) - sanitize(interestRatePercent)
}

// Input carries everything needed to derive the full metric set for one
// purchase transaction. MaturityDate may be zero; it is then derived from
// PurchaseDate and TermMonths.
type Input struct {
	PurchaseDate        time.Time
	MaturityDate        time.Time
	TermMonths          int
	Units               float64
	PricePerUnit        float64
	FeeRatePercent      float64
	InterestRatePercent float64
	Holidays            dateutil.HolidaySet
}

// Metrics is the derived value object. It is never persisted by the core;
// callers may cache it.
type Metrics struct {
	MaturityDate  time.Time `json:"maturity_date"`
	SellDate      time.Time `json:"sell_date"`
	Days          int       `json:"days"`
	PurchaseValue float64   `json:"purchase_value"`
	PriceWithFee  float64   `json:"price_with_fee"`
	SellValue1    float64   `json:"sell_value_raw"`
	SellPrice1    float64   `json:"sell_price_raw"`
	SellPrice2    float64   `json:"sell_price_rounded"`
	SellValue2    float64   `json:"sell_value_rounded"`
	Difference    float64   `json:"difference"`
	ConvertedRate float64   `json:"converted_rate"`
	InterestDelta float64   `json:"interest_delta"`
}

// Compute derives the full metric set. Days is the calendar distance between
// purchase and maturity date when both are known, else termMonths*30.
func Compute(in Input) Metrics {
	maturity := in.MaturityDate
	if maturity.IsZero() && !in.PurchaseDate.IsZero() {
		maturity = MaturityDate(in.PurchaseDate, in.TermMonths)
	}

	days := in.TermMonths * 30
	if !maturity.IsZero() && !in.PurchaseDate.IsZero() {
		days = int(maturity.Sub(in.PurchaseDate).Hours() / 24)
	}

	m := Metrics{
		MaturityDate: maturity,
		Days:         days,
	}
	if !maturity.IsZero() {
		m.SellDate = SellDate(maturity, in.Holidays)
	}

	m.PurchaseValue = PurchaseValue(in.Units, in.PricePerUnit, in.FeeRatePercent)
	m.PriceWithFee = PriceWithFee(m.PurchaseValue, in.Units)
	m.SellValue1 = SellValue1(m.PurchaseValue, in.InterestRatePercent, days)
	m.SellPrice1 = SellPrice1(m.SellValue1, in.Units)
	m.SellPrice2 = SellPrice2(m.SellPrice1)
	m.SellValue2 = SellValue2(in.Units, m.SellPrice2)
	m.Difference = Difference(m.SellValue2, m.SellValue1)
	m.ConvertedRate = ConvertedRate(m.SellPrice2, m.PriceWithFee, days)
	m.InterestDelta = InterestDelta(m.ConvertedRate, in.InterestRatePercent)
	return m
}
