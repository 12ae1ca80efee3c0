// Package iban derives checksummed, country-formatted account identifiers.
// Derivation is a pure function of its inputs: the same owner key and
// currency always produce the same identifier, so no counter or stored
// state is needed. Uniqueness across owners is enforced by the account
// store at creation time, retrying with a salt on collision.
package iban

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
)

// Format selects the country layout of the generated identifier.
type Format string

const (
	// FormatES is the Spanish layout: ES + 2-digit IBAN check + 4-digit
	// bank code + 4-digit branch code + 2-digit domestic check + 10-digit
	// account number. 24 characters total.
	FormatES Format = "ES"

	// FormatDE is the German layout: DE + 2-digit IBAN check + 8-digit
	// bank code + 10-digit account number. 22 characters. No domestic check.
	FormatDE Format = "DE"
)

// Length returns the total identifier length for the format.
func (f Format) Length() int {
	switch f {
	case FormatES:
		return 24
	case FormatDE:
		return 22
	}
	return 0
}

// ErrUnsupportedFormat is returned for unknown country formats.
var ErrUnsupportedFormat = fmt.Errorf("iban: unsupported country format")

// Generate derives the identifier for an owner key and currency.
func Generate(format Format, ownerKey, currency string) (string, error) {
	return GenerateWithSalt(format, ownerKey, currency, 0)
}

// GenerateWithSalt derives an identifier with a collision salt. Salt 0 is
// the canonical derivation; the account store bumps the salt when the
// canonical identifier is already taken by another owner.
func GenerateWithSalt(format Format, ownerKey, currency string, salt int) (string, error) {
	seed := ownerKey + ":" + currency
	if salt > 0 {
		seed += ":" + strconv.Itoa(salt)
	}
	digits := deriveDigits(seed, 18)

	var bban string
	switch format {
	case FormatES:
		bank := digits[0:4]
		branch := digits[4:8]
		account := digits[8:18]
		bban = bank + branch + domesticCheckES(bank, branch, account) + account
	case FormatDE:
		bban = digits[0:18]
	default:
		return "", ErrUnsupportedFormat
	}

	check := checkDigits(string(format), bban)
	return string(format) + check + bban, nil
}

// Validate reports whether the identifier carries a valid international
// checksum. It does not check that the account exists.
func Validate(identifier string) bool {
	if len(identifier) < 5 {
		return false
	}
	return mod97(rearrange(identifier)) == 1
}

// DomesticAccountNumber extracts the country-specific account number field,
// used by the transfer resolver's secondary match.
func DomesticAccountNumber(identifier string) (string, error) {
	if len(identifier) < 4 {
		return "", fmt.Errorf("iban: identifier too short")
	}
	switch Format(identifier[:2]) {
	case FormatES:
		if len(identifier) != FormatES.Length() {
			return "", fmt.Errorf("iban: malformed ES identifier")
		}
		return identifier[14:24], nil
	case FormatDE:
		if len(identifier) != FormatDE.Length() {
			return "", fmt.Errorf("iban: malformed DE identifier")
		}
		return identifier[12:22], nil
	}
	return "", ErrUnsupportedFormat
}

// deriveDigits maps a SHA-256 digest of the seed onto n decimal digits.
func deriveDigits(seed string, n int) string {
	var b strings.Builder
	b.Grow(n)

	sum := sha256.Sum256([]byte(seed))
	for i := 0; b.Len() < n; i++ {
		if i == len(sum) {
			// Digest exhausted; extend it deterministically.
			sum = sha256.Sum256(sum[:])
			i = 0
		}
		b.WriteByte('0' + sum[i]%10)
	}
	return b.String()
}

// esWeights are the positional weights of the Spanish domestic check.
var esWeights = [10]int{1, 2, 4, 8, 5, 10, 9, 7, 3, 6}

// domesticCheckES computes the two Spanish control digits: the first covers
// bank + branch (left-padded to ten digits), the second the account number.
func domesticCheckES(bank, branch, account string) string {
	first := weightedCheckES("00" + bank + branch)
	second := weightedCheckES(account)
	return strconv.Itoa(first) + strconv.Itoa(second)
}

// weightedCheckES computes one 11-based control digit over ten digits.
// Remainders 11 and 10 map to control digits 0 and 1.
func weightedCheckES(digits string) int {
	sum := 0
	for i := 0; i < 10; i++ {
		sum += int(digits[i]-'0') * esWeights[i]
	}
	check := 11 - sum%11
	switch check {
	case 11:
		return 0
	case 10:
		return 1
	}
	return check
}

// checkDigits computes the two international check digits for a country
// code and BBAN: the remainder of the rearranged identifier with a "00"
// placeholder, subtracted from 98 and zero-padded.
func checkDigits(country, bban string) string {
	remainder := mod97(bban + country + "00")
	return fmt.Sprintf("%02d", 98-remainder)
}

// rearrange moves the leading country code and check digits to the end,
// per the international checksum definition.
func rearrange(identifier string) string {
	return identifier[4:] + identifier[:4]
}

// mod97 computes the value of s modulo 97 with letters mapped A=10..Z=35.
// The remainder is carried incrementally so arbitrarily long identifiers
// never overflow.
func mod97(s string) int {
	remainder := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			remainder = (remainder*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return -1 // malformed, can never equal 1
		}
	}
	return remainder
}
