// Package phonenumber turns free-form recipient input into E.164 addresses.
package phonenumber

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"

	"github.com/aradsms/sms_dispatch/internal/core_sms/domain"
)

const (
	minE164Digits = 8
	maxE164Digits = 15
	// Local subscriber numbers used by the fallback rules.
	localSubscriberDigits = 9
)

// PhoneAddress is the immutable result of a successful normalization.
type PhoneAddress struct {
	Raw    string `json:"raw"`
	E164   string `json:"e164"`
	Region string `json:"region"`
	Valid  bool   `json:"valid"`
	// Fallback is true when the number plan did not recognise the number
	// and the local mobile rules produced the address instead.
	Fallback bool `json:"fallback"`
}

// Normalizer holds the ordered list of candidate regions. It has no mutable state
// and is safe for concurrent use.
type Normalizer struct {
	regions       []string
	countryCodes  []string // parallel to regions
	primaryRegion string
}

// NewNormalizer validates the region priority list (ISO 3166 alpha-2 codes).
// The first region is the primary one used by the fallback rules.
func NewNormalizer(regions []string) (*Normalizer, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("phonenumber: at least one region is required")
	}
	n := &Normalizer{}
	for _, r := range regions {
		r = strings.ToUpper(strings.TrimSpace(r))
		cc := phonenumbers.GetCountryCodeForRegion(r)
		if cc == 0 {
			return nil, fmt.Errorf("phonenumber: unknown region %q", r)
		}
		n.regions = append(n.regions, r)
		n.countryCodes = append(n.countryCodes, strconv.Itoa(cc))
	}
	n.primaryRegion = n.regions[0]
	return n, nil
}

// Regions returns the configured priority list.
func (n *Normalizer) Regions() []string {
	out := make([]string, len(n.regions))
	copy(out, n.regions)
	return out
}

// Normalize converts raw into an E.164 address.
//
// Numbers written with a leading plus are checked against their own country's plan.
// Anything else is tried against each configured region in order and the first
// region that accepts it wins. When no region accepts it, a 10-digit number with a
// trunk 0 or a bare 9-digit number is assumed local to the primary region.
func (n *Normalizer) Normalize(raw string) (PhoneAddress, error) {
	digits, international, err := clean(raw)
	if err != nil {
		return PhoneAddress{}, &domain.NormalizationError{Input: raw, Reason: err.Error()}
	}
	if digits == "" {
		return PhoneAddress{}, &domain.NormalizationError{Input: raw, Reason: "empty input"}
	}

	if international {
		return n.normalizeInternational(raw, digits)
	}

	for _, region := range n.regions {
		num, err := phonenumbers.Parse(digits, region)
		if err != nil {
			continue
		}
		if phonenumbers.IsValidNumberForRegion(num, region) {
			return PhoneAddress{
				Raw:    raw,
				E164:   phonenumbers.Format(num, phonenumbers.E164),
				Region: region,
				Valid:  true,
			}, nil
		}
	}

	if e164, ok := n.localFallback(digits); ok {
		return PhoneAddress{Raw: raw, E164: e164, Region: n.primaryRegion, Valid: true, Fallback: true}, nil
	}
	return PhoneAddress{}, &domain.NormalizationError{Input: raw, Reason: "not a valid number in any configured region"}
}

func (n *Normalizer) normalizeInternational(raw, digits string) (PhoneAddress, error) {
	if len(digits) < minE164Digits || len(digits) > maxE164Digits {
		return PhoneAddress{}, &domain.NormalizationError{Input: raw, Reason: "implausible length for an international number"}
	}

	num, err := phonenumbers.Parse("+"+digits, "")
	if err == nil && phonenumbers.IsValidNumber(num) {
		return PhoneAddress{
			Raw:    raw,
			E164:   phonenumbers.Format(num, phonenumbers.E164),
			Region: phonenumbers.GetRegionCodeForNumber(num),
			Valid:  true,
		}, nil
	}

	// Accept the shape the local fallback produces so that normalizing an
	// already-normalized address yields the same address.
	for i, cc := range n.countryCodes {
		if strings.HasPrefix(digits, cc) && len(digits)-len(cc) == localSubscriberDigits && digits[len(cc)] != '0' {
			return PhoneAddress{Raw: raw, E164: "+" + digits, Region: n.regions[i], Valid: true, Fallback: true}, nil
		}
	}
	return PhoneAddress{}, &domain.NormalizationError{Input: raw, Reason: "not a valid number for its country code"}
}

// localFallback applies the deterministic local mobile rules for the primary region.
func (n *Normalizer) localFallback(digits string) (string, bool) {
	cc := n.countryCodes[0]
	switch {
	case len(digits) == localSubscriberDigits+1 && digits[0] == '0' && digits[1] != '0':
		return "+" + cc + digits[1:], true
	case len(digits) == localSubscriberDigits && digits[0] != '0':
		return "+" + cc + digits, true
	}
	return "", false
}

// clean strips whitespace and punctuation. It reports whether the number was
// written in international form ("+..." or "00...").
func clean(raw string) (digits string, international bool, err error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+':
			if b.Len() > 0 || international {
				return "", false, fmt.Errorf("misplaced '+'")
			}
			international = true
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			continue
		default:
			return "", false, fmt.Errorf("unexpected character %q", r)
		}
	}
	digits = b.String()
	if !international && strings.HasPrefix(digits, "00") {
		digits = strings.TrimPrefix(digits, "00")
		international = true
	}
	return digits, international, nil
}
