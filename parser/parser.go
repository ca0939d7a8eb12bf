package parser

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"spareroom-monitor/models"
	"spareroom-monitor/searchurl"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	// DefaultOrigin is prefixed to root-relative detail links
	DefaultOrigin = "https://www.spareroom.co.uk"

	detailMarker = "flatshare_detail.pl"
	idMarker     = "flatshare_id="

	// A text fragment must be longer than this to be used as a title
	minTitleLength = 15
)

var adIDRe = regexp.MustCompile(`flatshare_id=(\d+)`)

// Parser extracts listings from SpareRoom search result pages
type Parser struct {
	origin string
}

// NewParser creates a new Parser. An empty origin means DefaultOrigin.
func NewParser(origin string) *Parser {
	if origin == "" {
		origin = DefaultOrigin
	}
	return &Parser{
		origin: strings.TrimRight(origin, "/"),
	}
}

// ParseHTML extracts one listing per ad id from HTML content, sorted by id
// with the newest (highest) first. Containers without a detail link are skipped.
func (p *Parser) ParseHTML(htmlContent string) ([]models.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	byID := make(map[string]models.Listing)

	// Every list item is a candidate ad container
	doc.Find("li").Each(func(i int, s *goquery.Selection) {
		var parts []string
		for _, n := range s.Nodes {
			parts = collectText(n, parts)
		}
		rawText := strings.Join(parts, " ")
		title := selectTitle(parts)

		s.Find("a[href]").Each(func(j int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			id, ok := extractAdID(href)
			if !ok {
				return
			}

			// Later containers overwrite earlier ones with the same id
			byID[id] = p.buildListing(id, href, title, rawText)
		})
	})

	listings := make([]models.Listing, 0, len(byID))
	for _, listing := range byID {
		listings = append(listings, listing)
	}
	slices.SortFunc(listings, func(a, b models.Listing) int {
		return models.CompareIDs(b.ID, a.ID)
	})

	return listings, nil
}

func (p *Parser) buildListing(id, href, title, rawText string) models.Listing {
	return models.Listing{
		ID:            id,
		URL:           searchurl.Resolve(p.origin, href),
		Title:         title,
		Price:         ExtractPrice(rawText),
		Location:      ExtractLocation(rawText),
		PropertyType:  ExtractPropertyType(rawText),
		Availability:  ExtractAvailability(rawText),
		BillsIncluded: ExtractBillsIncluded(rawText),
		MinTerm:       ExtractMinTerm(rawText),
		MaxTerm:       ExtractMaxTerm(rawText),
		PostedAt:      ExtractPostedAt(rawText),
		RawText:       rawText,
	}
}

// extractAdID returns the numeric ad id of a detail page link
func extractAdID(href string) (string, bool) {
	if !strings.Contains(href, detailMarker) || !strings.Contains(href, idMarker) {
		return "", false
	}
	m := adIDRe.FindStringSubmatch(href)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// collectText appends the whitespace-normalized text nodes under n in document order
func collectText(n *html.Node, parts []string) []string {
	switch n.Type {
	case html.TextNode:
		if text := normalizeWhitespace(n.Data); text != "" {
			parts = append(parts, text)
		}
		return parts
	case html.CommentNode:
		return parts
	case html.ElementNode:
		if n.Data == "script" || n.Data == "style" {
			return parts
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		parts = collectText(c, parts)
	}
	return parts
}

// selectTitle returns the first fragment long enough to be a title
func selectTitle(parts []string) string {
	for _, part := range parts {
		if utf8.RuneCountInString(part) > minTitleLength {
			return part
		}
	}
	return models.NoTitle
}

// normalizeWhitespace trims s and collapses inner whitespace runs, including
// non-breaking spaces, to single spaces
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
