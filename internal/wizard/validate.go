package wizard

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ValidationError reports why user input was rejected and how to fix it.
type ValidationError struct {
	Field  string
	Reason string
	Hint   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// Validator normalizes raw input or rejects it with a *ValidationError.
type Validator func(raw string) (string, error)

var (
	nameRe    = regexp.MustCompile(`^[a-zA-Z\s.\-']+$`)
	addressRe = regexp.MustCompile(`^[a-zA-Z0-9\s.,\-#&/]+$`)
	cityRe    = regexp.MustCompile(`^[a-zA-Z\s\-'.]+$`)
	zipRe     = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	nonDigit  = regexp.MustCompile(`\D`)
)

// usStates lists accepted state and territory codes.
var usStates = []string{
	"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "FL", "GA",
	"HI", "ID", "IL", "IN", "IA", "KS", "KY", "LA", "ME", "MD",
	"MA", "MI", "MN", "MS", "MO", "MT", "NE", "NV", "NH", "NJ",
	"NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI", "SC",
	"SD", "TN", "TX", "UT", "VT", "VA", "WA", "WV", "WI", "WY",
	"DC", "PR", "VI", "GU", "AS", "MP",
}

func invalid(field, reason, hint string) error {
	return &ValidationError{Field: field, Reason: reason, Hint: hint}
}

func hasCyrillic(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}

func checkLength(field, s string, min, max int) error {
	n := utf8.RuneCountInString(s)
	if n < min {
		return invalid(field, fmt.Sprintf("too short (minimum %d characters)", min), "")
	}
	if n > max {
		return invalid(field, fmt.Sprintf("too long (maximum %d characters)", max), "")
	}
	return nil
}

// ValidateName accepts a person or company name in Latin letters.
func ValidateName(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", invalid("name", "name cannot be empty", "Example: John Smith")
	}
	if hasCyrillic(s) {
		return "", invalid("name", "only Latin letters are accepted", "Write the name in English, e.g. Ivan Petrov")
	}
	if err := checkLength("name", s, 2, 50); err != nil {
		err.(*ValidationError).Hint = "Example: John Smith"
		return "", err
	}
	if !nameRe.MatchString(s) {
		return "", invalid("name", "name may contain only letters, spaces and . - '", "Example: Mary O'Neil")
	}
	return s, nil
}

// ValidateAddress accepts the first street address line.
func ValidateAddress(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", invalid("address", "address cannot be empty", "Example: 123 Main St")
	}
	if hasCyrillic(s) {
		return "", invalid("address", "only Latin letters are accepted", "Example: 123 Main St")
	}
	if err := checkLength("address", s, 3, 100); err != nil {
		err.(*ValidationError).Hint = "Example: 123 Main St"
		return "", err
	}
	if !addressRe.MatchString(s) {
		return "", invalid("address", "address contains unsupported characters", "Use letters, digits, spaces and . , - # & /")
	}
	return s, nil
}

// ValidateAddress2 accepts an optional apartment or suite line.
func ValidateAddress2(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	if hasCyrillic(s) {
		return "", invalid("address2", "only Latin letters are accepted", "Example: Apt 4B")
	}
	if err := checkLength("address2", s, 0, 100); err != nil {
		return "", err
	}
	if !addressRe.MatchString(s) {
		return "", invalid("address2", "address contains unsupported characters", "Example: Suite 200")
	}
	return s, nil
}

// ValidateCity accepts a city name.
func ValidateCity(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", invalid("city", "city cannot be empty", "Example: New York")
	}
	if hasCyrillic(s) {
		return "", invalid("city", "only Latin letters are accepted", "Example: Los Angeles")
	}
	if err := checkLength("city", s, 2, 50); err != nil {
		err.(*ValidationError).Hint = "Example: New York"
		return "", err
	}
	if !cityRe.MatchString(s) {
		return "", invalid("city", "city may contain only letters, spaces and - ' .", "Example: St. Louis")
	}
	return s, nil
}

// ValidateState accepts a two-letter US state or territory code.
func ValidateState(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if len(s) != 2 {
		return "", invalid("state", "state must be a 2-letter code", "Examples: CA, NY, TX")
	}
	if !slices.Contains(usStates, s) {
		return "", invalid("state", fmt.Sprintf("%q is not a US state code", s), "Examples: CA, NY, TX")
	}
	return s, nil
}

// ValidateZip accepts a 5-digit or ZIP+4 postal code.
func ValidateZip(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !zipRe.MatchString(s) {
		return "", invalid("zip", "ZIP code must be 5 digits or ZIP+4", "Examples: 10001 or 10001-1234")
	}
	return s, nil
}

// ValidatePhone accepts a 10 or 11 digit US number and formats it as +1XXXXXXXXXX.
func ValidatePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" || !strings.ContainsRune("0123456789+", rune(s[0])) {
		return "", invalid("phone", "phone must start with + or a digit", "Example: +1 212 555 0100")
	}
	digits := nonDigit.ReplaceAllString(s, "")
	switch {
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	default:
		return "", invalid("phone", "phone must have 10 digits", "Example: 2125550100")
	}
}

// RandomPhone returns a plausible US number for users who skip the phone step.
func RandomPhone() string {
	return fmt.Sprintf("+1%d%d%d", 200+rand.IntN(800), 200+rand.IntN(800), 1000+rand.IntN(9000))
}

func parseMeasure(field, raw, unit string, min, max float64) (string, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", invalid(field, "must be a number", fmt.Sprintf("Example: 2.5 (%s)", unit))
	}
	if v < min {
		return "", invalid(field, fmt.Sprintf("must be at least %g %s", min, unit), "")
	}
	if v > max {
		return "", invalid(field, fmt.Sprintf("must not exceed %g %s", max, unit), "")
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}

// ValidateWeight accepts a parcel weight in pounds.
func ValidateWeight(raw string) (string, error) {
	return parseMeasure("weight", raw, "lb", 0.1, 150)
}

// ValidateDimension accepts a parcel dimension in inches.
func ValidateDimension(field string) Validator {
	return func(raw string) (string, error) {
		return parseMeasure(field, raw, "in", 0.1, 108)
	}
}

// ValidateTemplateName accepts a template label.
func ValidateTemplateName(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", invalid("template", "name cannot be empty", "Example: Home to office")
	}
	if utf8.RuneCountInString(s) > 50 {
		return "", invalid("template", "too long (maximum 50 characters)", "")
	}
	return s, nil
}

// ValidatePaymentMethod accepts one of the supported payment methods.
func ValidatePaymentMethod(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "balance", "crypto":
		return s, nil
	}
	return "", invalid("payment", "choose a payment method", "Use the buttons below")
}

// ValidateRateChoice accepts a rate id. Whether it belongs to the session's
// quote is checked by the rate selection action.
func ValidateRateChoice(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return "", invalid("rate", "choose one of the offered rates", "Use the buttons below")
	}
	return s, nil
}

func rejectText(field, reason, hint string) Validator {
	return func(string) (string, error) {
		return "", invalid(field, reason, hint)
	}
}
