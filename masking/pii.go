// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package masking

import (
	"regexp"
	"strings"
)

// PIIDetector recognises one category of sensitive data inside free-form
// string cells. Validate, when set, filters regex hits (e.g. Luhn for card
// numbers) so plain numeric IDs do not trip the detector.
type PIIDetector struct {
	Name     string
	Pattern  *regexp.Regexp
	Validate func(match string) bool

	// Mask transforms a confirmed hit. Nil means full replacement with
	// asterisks of the same length.
	Mask func(match string) string
}

// Detector patterns are package-level so they compile exactly once.
var (
	creditCardRe = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	ssnRe        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailRe      = regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)
	phoneRe      = regexp.MustCompile(`\b(?:\+?1[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`)
	ipRe         = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	dobRe        = regexp.MustCompile(`\b(?:19|20)\d{2}[-/](?:0[1-9]|1[0-2])[-/](?:0[1-9]|[12]\d|3[01])\b`)
	ibanRe       = regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)
)

// DefaultDetectors returns the standard detector set: credit card (Luhn
// checked), SSN, email, phone, IP address, date of birth, IBAN.
func DefaultDetectors() []PIIDetector {
	return []PIIDetector{
		{
			Name:     "credit_card",
			Pattern:  creditCardRe,
			Validate: luhnValid,
			Mask:     keepLast4,
		},
		{Name: "ssn", Pattern: ssnRe, Mask: func(string) string { return "***-**-****" }},
		{
			Name:    "email",
			Pattern: emailRe,
			Mask: func(match string) string {
				at := strings.Index(match, "@")
				if at <= 1 {
					return strings.Repeat("*", len(match))
				}
				return match[:1] + strings.Repeat("*", at-1) + match[at:]
			},
		},
		{Name: "phone", Pattern: phoneRe, Validate: phonePlausible, Mask: keepLast4},
		{
			Name:    "ip_address",
			Pattern: ipRe,
			Mask: func(match string) string {
				parts := strings.Split(match, ".")
				return parts[0] + "." + parts[1] + ".*.*"
			},
		},
		{Name: "date_of_birth", Pattern: dobRe, Mask: func(match string) string { return match[:4] + "-**-**" }},
		{Name: "iban", Pattern: ibanRe, Mask: keepLast4},
	}
}

// scanPII runs detectors over one cell. It returns the rewritten value and
// the name of the first detector that fired, or "" when the cell is clean.
// Detectors run in order, each over the output of the previous one, so a
// cell holding several categories is fully cleaned in one pass.
func scanPII(detectors []PIIDetector, value string) (string, string) {
	first := ""
	out := value
	for i := range detectors {
		d := &detectors[i]
		out = d.Pattern.ReplaceAllStringFunc(out, func(match string) string {
			if d.Validate != nil && !d.Validate(match) {
				return match
			}
			if first == "" {
				first = d.Name
			}
			if d.Mask != nil {
				return d.Mask(match)
			}
			return strings.Repeat("*", len(match))
		})
	}
	if first == "" {
		return value, ""
	}
	return out, first
}

// luhnValid runs the Luhn checksum over the digits of a candidate card
// number.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// phonePlausible rejects matches that are bare digit runs inside larger
// numbers (already excluded by \b) or obviously padded with zeros.
func phonePlausible(s string) bool {
	digits := 0
	zeros := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
			if r == '0' {
				zeros++
			}
		}
	}
	return digits >= 10 && zeros < digits
}

// keepLast4 masks all but the trailing four digits, preserving separators.
func keepLast4(s string) string {
	digitsSeen := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digitsSeen++
		}
	}
	remaining := digitsSeen
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			if remaining > 4 {
				out = append(out, '*')
			} else {
				out = append(out, r)
			}
			remaining--
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}
