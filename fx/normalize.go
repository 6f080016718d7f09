package fx

import (
	"context"
	"fmt"

	"github.com/etnz/hodl"
)

// Rater is the part of the Service needed to normalize transactions.
type Rater interface {
	Rate(ctx context.Context, from, to string) (Rate, error)
}

// Normalizer fills the converted figures of transactions.
type Normalizer struct {
	Rates Rater
}

// Normalize converts tx original figures into every tracked currency.
//
// Price and cost are converted with the rate of the original currency, the
// fee with the rate of its own currency.
func (n Normalizer) Normalize(ctx context.Context, tx *hodl.Transaction) error {
	o := tx.Original
	for _, target := range []string{hodl.EUR, hodl.USD} {
		r, err := n.Rates.Rate(ctx, o.Currency, target)
		if err != nil {
			return fmt.Errorf("cannot convert %s to %s: %w", o.Currency, target, err)
		}
		c := hodl.Conversion{
			PricePerBTC: o.PricePerBTC.Mul(r.Value),
			TotalCost:   o.TotalCost.Mul(r.Value),
			Fee:         o.Fee.Mul(r.Value),
			RateUsed:    r.Value,
			Estimated:   r.Estimated,
		}
		if fc := o.FeeIn(); fc != o.Currency && !o.Fee.IsZero() {
			fr, err := n.Rates.Rate(ctx, fc, target)
			if err != nil {
				return fmt.Errorf("cannot convert fee %s to %s: %w", fc, target, err)
			}
			c.Fee = o.Fee.Mul(fr.Value)
			c.Estimated = c.Estimated || fr.Estimated
		}
		switch target {
		case hodl.EUR:
			tx.Converted.EUR = c
		case hodl.USD:
			tx.Converted.USD = c
		}
	}
	return nil
}
