package scraper

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kjstillabower/sale-price-service/internal/currency"
	"github.com/kjstillabower/sale-price-service/internal/models"
)

// Selectors on the housing-market page.
const (
	PanelSelector    = "#home_prices"
	ChartSelector    = "#home_prices .lineGraph .VictoryContainer"
	ChartSVGSelector = "#home_prices .lineGraph .VictoryContainer svg"
	EntriesSelector  = "#home_prices .locationEntries"

	rowSelector        = ".locationEntries .locationEntry"
	headerDateSelector = ".locationHeader .locationSubheader"

	tooltipDateLayout = "Jan 2006"
)

// ExtractRow reads the tooltip currently rendered in the chart panel: the header
// month and the first location entry. A row without an amount yields a nil Value,
// and a row without fields an empty RegionName.
func ExtractRow(panelHTML string) (models.ScrapePoint, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(panelHTML))
	if err != nil {
		return models.ScrapePoint{}, fmt.Errorf("parse tooltip html: %w", err)
	}

	dateText := strings.TrimSpace(doc.Find(headerDateSelector).First().Text())
	date, err := time.Parse(tooltipDateLayout, dateText)
	if err != nil {
		return models.ScrapePoint{}, fmt.Errorf("parse tooltip date %q: %w", dateText, err)
	}

	point := models.ScrapePoint{Date: date}
	fields := rowFields(doc.Find(rowSelector).First())
	if len(fields) > 0 {
		point.RegionName = fields[0]
	}
	if len(fields) > 1 {
		v, err := currency.Parse(fields[1])
		if err != nil {
			return models.ScrapePoint{}, err
		}
		point.Value = &v
	}
	return point, nil
}

// rowFields returns the row's visible text split the way the browser renders it:
// one field per child element with its full text, and one per line of bare text.
func rowFields(row *goquery.Selection) []string {
	var fields []string
	row.Contents().Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "#text" {
			for _, line := range strings.Split(s.Text(), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					fields = append(fields, line)
				}
			}
			return
		}
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			fields = append(fields, text)
		}
	})
	return fields
}
