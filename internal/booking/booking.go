// Package booking holds the checkout domain model: the per-session booking
// draft, the traveller data collected by the contact and passenger steps, and
// the travel items selected upstream.
package booking

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Step is a checkout step. Steps are ordered contact < passengers < payment < confirmation.
type Step string

const (
	StepContact      Step = "contact"
	StepPassengers   Step = "passengers"
	StepPayment      Step = "payment"
	StepConfirmation Step = "confirmation"
)

var stepOrder = map[Step]int{
	StepContact:      0,
	StepPassengers:   1,
	StepPayment:      2,
	StepConfirmation: 3,
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	_, ok := stepOrder[s]
	return ok
}

// Before reports whether s comes strictly before other.
func (s Step) Before(other Step) bool {
	return stepOrder[s] < stepOrder[other]
}

var (
	// ErrNoFlight is returned when a checkout is started without a flight.
	ErrNoFlight = errors.New("booking: selected items must include a flight")
	// ErrInvalidCurrency is returned for a currency that is not a three-letter code.
	ErrInvalidCurrency = errors.New("booking: currency must be an ISO 4217 code")
)

// ContactInfo is the lead traveller's contact data.
type ContactInfo struct {
	FirstName    string `json:"firstName" validate:"required"`
	LastName     string `json:"lastName" validate:"required"`
	Email        string `json:"email" validate:"required,email"`
	Phone        string `json:"phone" validate:"required,phone"`
	Country      string `json:"country" validate:"required"`
	AddressLine1 string `json:"addressLine1,omitempty"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	City         string `json:"city,omitempty"`
	PostalCode   string `json:"postalCode,omitempty"`
}

// FullName joins first and last name.
func (c ContactInfo) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// PassengerType classifies a traveller by age band.
type PassengerType string

const (
	PassengerAdult  PassengerType = "adult"
	PassengerChild  PassengerType = "child"
	PassengerInfant PassengerType = "infant"
)

// IDType selects which identity document a passenger travels on.
type IDType string

const (
	IDPassport       IDType = "passport"
	IDNationalID     IDType = "national_id"
	IDDrivingLicense IDType = "driving_license"
)

// Passenger is one traveller. Document fields required depend on IDType.
type Passenger struct {
	Type           PassengerType `json:"type" validate:"required,oneof=adult child infant"`
	Title          string        `json:"title,omitempty"`
	FirstName      string        `json:"firstName" validate:"required"`
	LastName       string        `json:"lastName" validate:"required"`
	DateOfBirth    string        `json:"dateOfBirth" validate:"required,datetime=2006-01-02"`
	Nationality    string        `json:"nationality" validate:"required"`
	IDType         IDType        `json:"idType" validate:"required,oneof=passport national_id driving_license"`
	PassportNumber string        `json:"passportNumber,omitempty" validate:"required_if=IDType passport"`
	PassportExpiry string        `json:"passportExpiry,omitempty" validate:"required_if=IDType passport,omitempty,datetime=2006-01-02"`
	NationalID     string        `json:"nationalId,omitempty" validate:"required_if=IDType national_id"`
	DrivingLicense string        `json:"drivingLicense,omitempty" validate:"required_if=IDType driving_license"`
}

// Flight is a selected flight offer, charged once.
type Flight struct {
	ID           string          `json:"id"`
	Airline      string          `json:"airline"`
	FlightNumber string          `json:"flightNumber"`
	Origin       string          `json:"origin"`
	Destination  string          `json:"destination"`
	DepartureAt  time.Time       `json:"departureAt"`
	Price        decimal.Decimal `json:"price"`
}

// Hotel is a selected stay charged per night.
type Hotel struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	City        string          `json:"city"`
	NightlyRate decimal.Decimal `json:"nightlyRate"`
	Nights      int             `json:"nights"`
}

// Car is a selected rental charged per day.
type Car struct {
	ID        string          `json:"id"`
	Company   string          `json:"company"`
	Model     string          `json:"model"`
	DailyRate decimal.Decimal `json:"dailyRate"`
	Days      int             `json:"days"`
}

// Activity is a selected excursion at a flat price.
type Activity struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// SelectedItems is the cart. Any item may be absent.
type SelectedItems struct {
	Flight   *Flight   `json:"flight,omitempty"`
	Hotel    *Hotel    `json:"hotel,omitempty"`
	Car      *Car      `json:"car,omitempty"`
	Activity *Activity `json:"activity,omitempty"`
}

// Empty reports whether no item is selected.
func (s SelectedItems) Empty() bool {
	return s.Flight == nil && s.Hotel == nil && s.Car == nil && s.Activity == nil
}

// PaymentRef points the draft at its in-flight payment attempt.
type PaymentRef struct {
	AttemptID     string `json:"attemptId"`
	TransactionID string `json:"transactionId,omitempty"`
	Provider      string `json:"provider,omitempty"`
	RedirectURL   string `json:"redirectUrl,omitempty"`
	ClientSecret  string `json:"clientSecret,omitempty"`
}

// Draft is the state of one checkout session.
type Draft struct {
	Reference  string        `json:"reference"`
	Contact    *ContactInfo  `json:"contact,omitempty"`
	Passengers []Passenger   `json:"passengers,omitempty"`
	Items      SelectedItems `json:"items"`
	Step       Step          `json:"step"`
	Currency   string        `json:"currency"`
	// Payment is set while an attempt is in flight.
	Payment *PaymentRef `json:"payment,omitempty"`
	// ConfirmedTransactionID is set once the booking reached confirmation.
	ConfirmedTransactionID string    `json:"confirmedTransactionId,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// NewDraft starts a checkout at the contact step.
func NewDraft(reference string, items SelectedItems, currency string, now time.Time) (*Draft, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, errors.New("booking: reference is required")
	}
	if items.Flight == nil {
		return nil, ErrNoFlight
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, ErrInvalidCurrency
	}
	return &Draft{
		Reference: reference,
		Items:     items,
		Step:      StepContact,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	out := *d
	if d.Contact != nil {
		c := *d.Contact
		out.Contact = &c
	}
	if d.Passengers != nil {
		out.Passengers = append([]Passenger(nil), d.Passengers...)
	}
	if d.Payment != nil {
		p := *d.Payment
		out.Payment = &p
	}
	return &out
}
