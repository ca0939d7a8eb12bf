package digest

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"spareroom-monitor/models"
)

// ErrNoListings is returned when there is nothing to put in a digest
var ErrNoListings = errors.New("no listings to render")

const footer = "You're receiving this email because you subscribed to SpareRoom Monitor."

// Digest is a rendered notification ready to hand to a notifier
type Digest struct {
	Subject string
	Text    string
	HTML    string
}

// urlAttr keeps links byte-for-byte intact while staying inside a quoted attribute
var urlAttr = strings.NewReplacer(`"`, "%22", "<", "%3C", ">", "%3E")

// Render builds the subject, plain text and HTML bodies for a set of new ads
func Render(ads []models.Listing) (Digest, error) {
	if len(ads) == 0 {
		return Digest{}, ErrNoListings
	}

	return Digest{
		Subject: Subject(len(ads)),
		Text:    renderText(ads),
		HTML:    renderHTML(ads),
	}, nil
}

// Subject returns the email subject line for n new ads
func Subject(n int) string {
	return fmt.Sprintf("🏠 %d new SpareRoom %s", n, plural(n))
}

func plural(n int) string {
	if n == 1 {
		return "listing"
	}
	return "listings"
}

func renderText(ads []models.Listing) string {
	var sb strings.Builder

	sb.WriteString("New SpareRoom Listings\n\n")
	sb.WriteString(fmt.Sprintf("We found %d new %s matching your search:\n\n", len(ads), plural(len(ads))))

	for _, ad := range ads {
		sb.WriteString(formatText(ad))
		sb.WriteString("\n\n")
		sb.WriteString(strings.Repeat("-", 50))
		sb.WriteString("\n\n")
	}

	sb.WriteString("---\n")
	sb.WriteString(footer)

	return sb.String()
}

// formatText renders one ad as plain text lines, skipping absent fields
func formatText(ad models.Listing) string {
	lines := []string{
		fmt.Sprintf("**%s**", ad.Title),
		fmt.Sprintf("ID: %s", ad.ID),
		fmt.Sprintf("URL: %s", ad.URL),
	}

	if ad.Price != "" {
		lines = append(lines, fmt.Sprintf("Price: %s", priceLabel(ad)))
	}
	if ad.Location != "" {
		lines = append(lines, fmt.Sprintf("Location: %s", ad.Location))
	}
	if ad.PropertyType != "" {
		lines = append(lines, fmt.Sprintf("Type: %s", ad.PropertyType))
	}
	if ad.Availability != "" {
		lines = append(lines, fmt.Sprintf("Availability: %s", ad.Availability))
	}
	if ad.PostedAt != "" {
		lines = append(lines, fmt.Sprintf("Posted: %s", ad.PostedAt))
	}
	if term := termLabel(ad); term != "" {
		lines = append(lines, fmt.Sprintf("Term: %s", term))
	}

	return strings.Join(lines, "\n")
}

func renderHTML(ads []models.Listing) string {
	var sb strings.Builder

	sb.WriteString(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
<h2 style="color: #333;">New SpareRoom Listings</h2>
`)
	sb.WriteString(fmt.Sprintf("<p>We found %d new %s matching your search:</p>\n", len(ads), plural(len(ads))))

	for _, ad := range ads {
		writeCard(&sb, ad)
	}

	sb.WriteString(`<hr style="border: none; border-top: 1px solid #ddd; margin: 20px 0;">
<p style="font-size: 12px; color: #666;">` + footer + `</p>
</body>
</html>
`)

	return sb.String()
}

// writeCard renders one ad as an HTML card
func writeCard(sb *strings.Builder, ad models.Listing) {
	link := urlAttr.Replace(ad.URL)

	price := "Price not listed"
	if ad.Price != "" {
		price = priceLabel(ad)
	}

	var details []string
	if ad.Location != "" {
		details = append(details, "📍 "+html.EscapeString(ad.Location))
	}
	if ad.PropertyType != "" {
		details = append(details, "🏘️ "+html.EscapeString(ad.PropertyType))
	}
	if ad.Availability != "" {
		details = append(details, "📅 "+html.EscapeString(ad.Availability))
	}
	if ad.PostedAt != "" {
		details = append(details, "🕒 "+html.EscapeString(ad.PostedAt))
	}

	sb.WriteString(`<div style="border: 1px solid #ddd; border-radius: 8px; padding: 16px; margin-bottom: 16px; background-color: #f9f9f9;">` + "\n")
	sb.WriteString(fmt.Sprintf(`<h3 style="margin: 0 0 8px 0;"><a href="%s" style="color: #0066cc; text-decoration: none;">%s</a></h3>`+"\n",
		link, html.EscapeString(ad.Title)))
	sb.WriteString(fmt.Sprintf(`<p style="margin: 5px 0; font-size: 18px; font-weight: bold; color: #2c5f2d;">%s</p>`+"\n",
		html.EscapeString(price)))
	if len(details) > 0 {
		sb.WriteString(fmt.Sprintf(`<p style="margin: 5px 0;">%s</p>`+"\n", strings.Join(details, "<br>")))
	}
	if term := termLabel(ad); term != "" {
		sb.WriteString(fmt.Sprintf(`<p style="margin: 5px 0; color: #666;">Term: %s</p>`+"\n", html.EscapeString(term)))
	}
	sb.WriteString(fmt.Sprintf(`<p style="margin: 5px 0; font-size: 12px; color: #999;">ID: %s</p>`+"\n", html.EscapeString(ad.ID)))
	sb.WriteString(fmt.Sprintf(`<p style="margin: 10px 0 0 0;"><a href="%s" style="display: inline-block; padding: 8px 16px; background-color: #0066cc; color: white; text-decoration: none; border-radius: 4px;">View Listing</a></p>`+"\n",
		link))
	sb.WriteString("</div>\n")
}

func priceLabel(ad models.Listing) string {
	if ad.BillsIncluded {
		return ad.Price + " (bills included)"
	}
	return ad.Price
}

// termLabel returns "min X, max Y" with absent sides left out
func termLabel(ad models.Listing) string {
	var parts []string
	if ad.MinTerm != "" {
		parts = append(parts, "min "+ad.MinTerm)
	}
	if ad.MaxTerm != "" {
		parts = append(parts, "max "+ad.MaxTerm)
	}
	return strings.Join(parts, ", ")
}
