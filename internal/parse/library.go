package parse

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/campusarchive/crawler/internal/portal"
)

// LibraryRoomsParser reads the availability grid for the library's
// individual or group study rooms. Each row is one room; each slot cell
// is either free ("Livre") or taken.
type LibraryRoomsParser struct{}

// Parse walks the grid rows and records per-room slot availability.
func (p *LibraryRoomsParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	group := page.Target.Params["group"] == "true"
	category := "individual"
	if group {
		category = "group"
	}

	var result portal.ParseResult
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 {
			return
		}
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		name := cleanText(cells.Eq(0).Text())
		if name == "" {
			return
		}

		total := cells.Length() - 1
		free := 0
		cells.Slice(1, cells.Length()).Each(func(_ int, cell *goquery.Selection) {
			if strings.EqualFold(cleanText(cell.Text()), "Livre") {
				free++
			}
		})

		result.Records = append(result.Records, portal.StructuredRecord{
			Kind: portal.KindLibraryRoom,
			Key:  portal.ComposeKey(category, name),
			Fields: map[string]portal.FieldValue{
				"name":            field(page, name),
				"group":           field(page, group),
				"available_slots": field(page, free),
				"total_slots":     field(page, total),
			},
		})
	})
	return result, nil
}
