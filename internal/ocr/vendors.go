package ocr

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fieldledger/expensecore/internal/money"
)

// homeCenterParser handles the common big-box home-improvement receipt
// layout: a vendor banner line, "ITEM ... QTY @ PRICE = TOTAL" lines, and a
// trailing "SUBTOTAL"/"TAX"/"TOTAL" block, using the same line-oriented,
// regex-per-field style as the fixed-width bank statement parsers.
type homeCenterParser struct {
	name    string
	banner  *regexp.Regexp
	lineRE  *regexp.Regexp
	dateRE  *regexp.Regexp
	totalRE *regexp.Regexp
	subRE   *regexp.Regexp
	taxRE   *regexp.Regexp
}

func newHomeCenterParser(name, bannerPattern string) *homeCenterParser {
	return &homeCenterParser{
		name:    name,
		banner:  regexp.MustCompile(`(?i)` + bannerPattern),
		lineRE:  regexp.MustCompile(`(?m)^(.{4,40}?)\s+(\d+(?:\.\d+)?)\s*@\s*\$?(\d+\.\d{2})\s*=?\s*\$?(\d+\.\d{2})$`),
		dateRE:  regexp.MustCompile(`(\d{2}/\d{2}/\d{4})`),
		totalRE: regexp.MustCompile(`(?i)^\s*TOTAL\s+\$?(\d+\.\d{2})\s*$`),
		subRE:   regexp.MustCompile(`(?i)^\s*SUB\s*-?\s*TOTAL\s+\$?(\d+\.\d{2})\s*$`),
		taxRE:   regexp.MustCompile(`(?i)^\s*(?:SALES\s*)?TAX\s+\$?(\d+\.\d{2})\s*$`),
	}
}

func (p *homeCenterParser) Detect(text string) (string, bool) {
	if p.banner.MatchString(text) {
		return p.name, true
	}

	return "", false
}

func (p *homeCenterParser) Parse(vendor, text string) (Record, bool) {
	rec := Record{Vendor: vendor, VendorConfidence: 95}

	if m := p.dateRE.FindStringSubmatch(text); m != nil {
		if d, err := time.Parse("01/02/2006", m[1]); err == nil {
			rec.Date = d
		}
	}

	for _, m := range p.lineRE.FindAllStringSubmatch(text, -1) {
		qty, _ := decimal.NewFromString(m[2])
		unitPrice, _ := money.Parse(m[3])
		lineTotal, _ := money.Parse(m[4])

		rec.LineItems = append(rec.LineItems, LineItem{
			Description: strings.TrimSpace(m[1]),
			Quantity:    qty,
			UnitPrice:   unitPrice,
			LineTotal:   lineTotal,
			Confidence:  90,
		})
	}

	for _, line := range strings.Split(text, "\n") {
		if m := p.subRE.FindStringSubmatch(line); m != nil {
			rec.Subtotal, _ = money.Parse(m[1])
		}

		if m := p.taxRE.FindStringSubmatch(line); m != nil {
			rec.Tax, _ = money.Parse(m[1])
		}

		if m := p.totalRE.FindStringSubmatch(line); m != nil {
			rec.Total, _ = money.Parse(m[1])
		}
	}

	return rec, true
}

// DefaultVendorParsers returns the seeded set of fast-mode parsers for the
// construction-supply vendors common to job-site purchasing.
func DefaultVendorParsers() []VendorParser {
	return []VendorParser{
		newHomeCenterParser("Home Depot", `THE\s+HOME\s+DEPOT`),
		newHomeCenterParser("Lowe's", `LOWE.S\s+HOME\s+CENTERS?`),
		newHomeCenterParser("Menards", `MENARDS`),
	}
}
