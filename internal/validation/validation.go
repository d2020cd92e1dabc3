// Package validation implements the per-step checks that gate checkout
// progression. Validation is pure: a failed check is a Result with field
// level messages, while errors are reserved for programmer mistakes such as an
// unknown step or a payload of the wrong type.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yourorg/travel-checkout/internal/booking"
)

// DefaultMaxPassengers caps a single booking when no policy is supplied.
const DefaultMaxPassengers = 9

// phonePattern accepts digits, spaces, '+', '-', and parentheses, 7 to 20 characters.
var phonePattern = regexp.MustCompile(`^[0-9+\-() ]{7,20}$`)

// ErrUnknownStep is returned for steps that carry no validation (payment, confirmation) or do not exist.
var ErrUnknownStep = errors.New("validation: no validator for step")

// Result is the outcome of validating one step's input.
type Result struct {
	Valid  bool              `json:"valid"`
	Errors map[string]string `json:"errors,omitempty"`
}

func (r *Result) add(field, msg string) {
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	if _, exists := r.Errors[field]; !exists {
		r.Errors[field] = msg
	}
	r.Valid = false
}

// PassengerPolicy bounds the passenger list.
type PassengerPolicy struct {
	MaxPassengers int
}

// Gate validates checkout step input.
type Gate struct {
	validate *validator.Validate
	policy   PassengerPolicy
}

// NewGate builds a Gate. A non-positive MaxPassengers falls back to DefaultMaxPassengers.
func NewGate(policy PassengerPolicy) *Gate {
	if policy.MaxPassengers <= 0 {
		policy.MaxPassengers = DefaultMaxPassengers
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(strings.TrimSpace(fl.Field().String()))
	})
	return &Gate{validate: v, policy: policy}
}

// Validate dispatches on step. data must be booking.ContactInfo for the
// contact step and []booking.Passenger for the passengers step (pointers accepted).
func (g *Gate) Validate(step booking.Step, data any) (Result, error) {
	switch step {
	case booking.StepContact:
		switch v := data.(type) {
		case booking.ContactInfo:
			return g.ValidateContact(v), nil
		case *booking.ContactInfo:
			if v == nil {
				return Result{}, errors.New("validation: nil contact info")
			}
			return g.ValidateContact(*v), nil
		}
		return Result{}, fmt.Errorf("validation: contact step expects booking.ContactInfo, got %T", data)
	case booking.StepPassengers:
		switch v := data.(type) {
		case []booking.Passenger:
			return g.ValidatePassengers(v), nil
		case *[]booking.Passenger:
			if v == nil {
				return Result{}, errors.New("validation: nil passenger list")
			}
			return g.ValidatePassengers(*v), nil
		}
		return Result{}, fmt.Errorf("validation: passengers step expects []booking.Passenger, got %T", data)
	}
	return Result{}, fmt.Errorf("%w %q", ErrUnknownStep, step)
}

// ValidateContact checks the contact step.
func (g *Gate) ValidateContact(info booking.ContactInfo) Result {
	res := Result{Valid: true}
	info.FirstName = strings.TrimSpace(info.FirstName)
	info.LastName = strings.TrimSpace(info.LastName)
	info.Email = strings.TrimSpace(info.Email)
	info.Country = strings.TrimSpace(info.Country)
	g.collect(&res, "", g.validate.Struct(info))
	return res
}

// ValidatePassengers checks every passenger and the passenger policy.
func (g *Gate) ValidatePassengers(list []booking.Passenger) Result {
	res := Result{Valid: true}
	if len(list) == 0 {
		res.add("passengers", "at least one passenger is required")
		return res
	}
	if len(list) > g.policy.MaxPassengers {
		res.add("passengers", fmt.Sprintf("at most %d passengers per booking", g.policy.MaxPassengers))
	}

	var adults, infants int
	for i, p := range list {
		p.FirstName = strings.TrimSpace(p.FirstName)
		p.LastName = strings.TrimSpace(p.LastName)
		p.Nationality = strings.TrimSpace(p.Nationality)
		g.collect(&res, fmt.Sprintf("passengers[%d].", i), g.validate.Struct(p))
		switch p.Type {
		case booking.PassengerAdult:
			adults++
		case booking.PassengerInfant:
			infants++
		}
	}
	if infants > adults {
		res.add("passengers", "each infant must travel with an adult")
	}
	return res
}

func (g *Gate) collect(res *Result, prefix string, err error) {
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		res.add(strings.TrimSuffix(prefix, "."), err.Error())
		return
	}
	for _, fe := range verrs {
		res.add(prefix+fe.Field(), message(fe))
	}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fe.Field() + " is required"
	case "email":
		return "email must be a valid email address"
	case "phone":
		return "phone must be 7-20 characters of digits, spaces, +, -, ( or )"
	case "datetime":
		return fe.Field() + " must be a date in YYYY-MM-DD format"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	}
	return fe.Field() + " is invalid"
}
