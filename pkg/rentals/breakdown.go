package rentals

import (
	"fmt"
	"math"
	"time"

	"bookmarket/pkg/apperr"
	"bookmarket/pkg/models"
)

const (
	shortRentalDays = 180
	shortFeeRate    = 0.3
	yearlyFeeRate   = 0.4
	depositRate     = 0.5
)

// Breakdown is the charge for renting quantity copies between two dates.
type Breakdown struct {
	RentalDays      int           `json:"rentalDays"`
	RentalFee       models.Amount `json:"rentalFee"`
	SecurityDeposit models.Amount `json:"securityDeposit"`
	TotalAmount     models.Amount `json:"totalAmount"`
}

// Charge prices a rental: 30% of the base price for up to 180 days,
// otherwise 40% per started year, plus a refundable 50% deposit.
func Charge(price models.Amount, quantity int, startDate, endDate string) (Breakdown, error) {
	start, err := time.Parse(models.DateLayout, startDate)
	if err != nil {
		return Breakdown{}, fmt.Errorf("%w: start date %q", apperr.ErrValidation, startDate)
	}
	end, err := time.Parse(models.DateLayout, endDate)
	if err != nil {
		return Breakdown{}, fmt.Errorf("%w: end date %q", apperr.ErrValidation, endDate)
	}
	if !end.After(start) {
		return Breakdown{}, fmt.Errorf("%w: end date %s is not after start date %s", apperr.ErrValidation, endDate, startDate)
	}

	days := int(math.Ceil(end.Sub(start).Hours() / 24))
	base := float64(price) * float64(quantity)
	fee := base * shortFeeRate
	if days > shortRentalDays {
		fee = base * yearlyFeeRate * math.Ceil(float64(days)/365)
	}
	deposit := base * depositRate

	return Breakdown{
		RentalDays:      days,
		RentalFee:       models.Amount(fee).Round(),
		SecurityDeposit: models.Amount(deposit).Round(),
		TotalAmount:     models.Amount(fee + deposit).Round(),
	}, nil
}
