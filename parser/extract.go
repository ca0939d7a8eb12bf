package parser

import (
	"fmt"
	"regexp"
	"strings"
)

// Field extractors. Each one works on the concatenated text of a listing
// container and returns "" (or false) when its pattern does not match.

var (
	priceRe    = regexp.MustCompile(`(?i)£[\d,]+(?:\s*(?:pcm|pw|per month|per week))?`)
	locationRe = regexp.MustCompile(`([A-Za-z\s]+)\s*\(([A-Z]{1,2}\d{1,2}[A-Z]?)\)`)

	// Order matters: the first pattern that matches anywhere wins
	propertyTypeRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\d+\s+bed\s+(?:flat|house|apartment)`),
		regexp.MustCompile(`(?i)Double\s+room`),
		regexp.MustCompile(`(?i)Single\s+room`),
		regexp.MustCompile(`(?i)Studio`),
	}

	availabilityRe = regexp.MustCompile(`(?i)Available\s+(?:Now|\d{1,2}(?:st|nd|rd|th)?\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*(?:\s+\d{4})?)`)

	billsRe = regexp.MustCompile(`(?i)bills?\s+included`)
	allInRe = regexp.MustCompile(`(?i)\(all[- ]in\)`)

	minTermRe = regexp.MustCompile(`(?i)Min(?:imum)?\s+(?:term|let)[:\s]+(\d+)\s+months?`)
	maxTermRe = regexp.MustCompile(`(?i)Max(?:imum)?\s+(?:term|let)[:\s]+(\d+)\s+months?`)

	postedAtRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:Added|Posted)\s+(?:today|yesterday)`),
		regexp.MustCompile(`(?i)(?:Added|Posted)\s+\d+\s+(?:hours?|days?|weeks?)\s+ago`),
	}
)

// ExtractPrice returns the first "£1,234 pcm" style price in text
func ExtractPrice(text string) string {
	return priceRe.FindString(text)
}

// ExtractLocation returns "<area> (<postcode>)" for the first area followed by
// a parenthesised postcode district such as (NW8) or (SW1A)
func ExtractLocation(text string) string {
	m := locationRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%s (%s)", strings.TrimSpace(m[1]), m[2]))
}

// ExtractPropertyType returns the highest priority property label found in text
func ExtractPropertyType(text string) string {
	for _, re := range propertyTypeRes {
		if match := re.FindString(text); match != "" {
			return match
		}
	}
	return ""
}

// ExtractAvailability returns "Available Now" or "Available <day> <month> [year]"
func ExtractAvailability(text string) string {
	return availabilityRe.FindString(text)
}

// ExtractBillsIncluded reports whether the ad says bills are included
func ExtractBillsIncluded(text string) bool {
	return billsRe.MatchString(text) || allInRe.MatchString(text)
}

// ExtractMinTerm returns the minimum term formatted as "<N> months"
func ExtractMinTerm(text string) string {
	return extractTerm(minTermRe, text)
}

// ExtractMaxTerm returns the maximum term formatted as "<N> months"
func ExtractMaxTerm(text string) string {
	return extractTerm(maxTermRe, text)
}

func extractTerm(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1] + " months"
}

// ExtractPostedAt returns relative posting times like "Added 2 days ago"
func ExtractPostedAt(text string) string {
	for _, re := range postedAtRes {
		if match := re.FindString(text); match != "" {
			return match
		}
	}
	return ""
}
