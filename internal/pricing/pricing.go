// Package pricing aggregates the selected travel items of a booking into a
// single payable summary. Pricing is deterministic and side-effect free, so it
// is recomputed whenever the summary is shown or a payment is funded.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/travel-checkout/internal/booking"
)

// CurrencyPlaces is the rounding precision applied to taxes.
const CurrencyPlaces = 2

// LineItem kinds.
const (
	KindFlight   = "flight"
	KindHotel    = "hotel"
	KindCar      = "car"
	KindActivity = "activity"
)

// LineItem is one priced contribution to the subtotal.
type LineItem struct {
	Kind        string          `json:"kind"`
	ItemID      string          `json:"itemId"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Quantity    int64           `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
}

// Summary is the priced view of a cart. Total is always Subtotal + Taxes.
type Summary struct {
	Subtotal  decimal.Decimal `json:"subtotal"`
	TaxRate   decimal.Decimal `json:"taxRate"`
	Taxes     decimal.Decimal `json:"taxes"`
	Total     decimal.Decimal `json:"total"`
	Currency  string          `json:"currency"`
	LineItems []LineItem      `json:"lineItems"`
}

var (
	// ErrNegativeTaxRate is returned for tax rates below zero.
	ErrNegativeTaxRate = errors.New("pricing: tax rate cannot be negative")
	// ErrInvalidItem is returned for an item with a negative price or quantity.
	ErrInvalidItem = errors.New("pricing: invalid item")
)

// Price computes the summary for items at taxRate. Absent items contribute
// nothing; line items are emitted in flight, hotel, car, activity order.
func Price(items booking.SelectedItems, taxRate decimal.Decimal, currency string) (Summary, error) {
	if taxRate.IsNegative() {
		return Summary{}, ErrNegativeTaxRate
	}

	var lines []LineItem
	if f := items.Flight; f != nil {
		line, err := newLine(KindFlight, f.ID, flightLabel(f), f.Price, 1)
		if err != nil {
			return Summary{}, err
		}
		lines = append(lines, line)
	}
	if h := items.Hotel; h != nil {
		line, err := newLine(KindHotel, h.ID, h.Name, h.NightlyRate, int64(h.Nights))
		if err != nil {
			return Summary{}, err
		}
		lines = append(lines, line)
	}
	if c := items.Car; c != nil {
		line, err := newLine(KindCar, c.ID, strings.TrimSpace(c.Company+" "+c.Model), c.DailyRate, int64(c.Days))
		if err != nil {
			return Summary{}, err
		}
		lines = append(lines, line)
	}
	if a := items.Activity; a != nil {
		line, err := newLine(KindActivity, a.ID, a.Name, a.Price, 1)
		if err != nil {
			return Summary{}, err
		}
		lines = append(lines, line)
	}

	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Amount)
	}
	taxes := subtotal.Mul(taxRate).Round(CurrencyPlaces)

	return Summary{
		Subtotal:  subtotal,
		TaxRate:   taxRate,
		Taxes:     taxes,
		Total:     subtotal.Add(taxes),
		Currency:  strings.ToUpper(strings.TrimSpace(currency)),
		LineItems: lines,
	}, nil
}

func newLine(kind, id, desc string, unit decimal.Decimal, qty int64) (LineItem, error) {
	if unit.IsNegative() {
		return LineItem{}, fmt.Errorf("%w: %s %q has a negative price", ErrInvalidItem, kind, id)
	}
	if qty < 0 {
		return LineItem{}, fmt.Errorf("%w: %s %q has a negative quantity", ErrInvalidItem, kind, id)
	}
	return LineItem{
		Kind:        kind,
		ItemID:      id,
		Description: desc,
		UnitPrice:   unit,
		Quantity:    qty,
		Amount:      unit.Mul(decimal.NewFromInt(qty)),
	}, nil
}

func flightLabel(f *booking.Flight) string {
	label := strings.TrimSpace(f.Airline + " " + f.FlightNumber)
	if f.Origin != "" && f.Destination != "" {
		label = strings.TrimSpace(label + " " + f.Origin + "-" + f.Destination)
	}
	return label
}
