// Package catalog lists the competition test codes the extractor may emit.
package catalog

import (
	"fmt"
	"strings"
)

// Test is one written test of a competition packet.
type Test struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Tests is the ordered list of valid test codes.
var Tests = []Test{
	{Code: "algebra1", Name: "Algebra 1"},
	{Code: "geometry", Name: "Geometry"},
	{Code: "algebra2", Name: "Algebra 2"},
	{Code: "precalculus", Name: "Precalculus"},
	{Code: "calculator", Name: "Calculator"},
	{Code: "fs2", Name: "Freshman/Sophomore 2"},
	{Code: "js2", Name: "Junior/Senior 2"},
	{Code: "fs8", Name: "Freshman/Sophomore 8"},
	{Code: "js8", Name: "Junior/Senior 8"},
}

// Codes returns the test codes in catalog order.
func Codes() []string {
	codes := make([]string, len(Tests))
	for i, t := range Tests {
		codes[i] = t.Code
	}
	return codes
}

// IsValid reports whether code is a known test code.
func IsValid(code string) bool {
	_, ok := Lookup(code)
	return ok
}

// Lookup returns the test for a code.
func Lookup(code string) (Test, bool) {
	for _, t := range Tests {
		if t.Code == code {
			return t, true
		}
	}
	return Test{}, false
}

// Divisions a competition can belong to.
const (
	DivisionRegional = "regional"
	DivisionState    = "state"
)

// ValidDivision reports whether d is a known division.
func ValidDivision(d string) bool {
	return d == DivisionRegional || d == DivisionState
}

// CompetitionName formats a competition for display, e.g. "2024 regional Austin".
func CompetitionName(year int, division, location string) string {
	return strings.TrimSpace(fmt.Sprintf("%d %s %s", year, division, location))
}
