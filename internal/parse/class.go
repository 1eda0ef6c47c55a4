package parse

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/campusarchive/crawler/internal/portal"
)

// ClassParser extracts the descriptive fields of a class instance from
// its main page: name, abbreviation and ECTS credits.
type ClassParser struct{}

// Parse reads the label/value rows of the class information table. The
// name row is structurally required; the rest is optional.
func (p *ClassParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	fields := map[string]portal.FieldValue{}
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() != 2 {
			return
		}
		label := strings.ToLower(cleanText(cells.Eq(0).Text()))
		value := cleanText(cells.Eq(1).Text())
		if value == "" {
			return
		}
		switch {
		case label == "nome":
			fields["name"] = field(page, value)
		case label == "abreviatura":
			fields["abbreviation"] = field(page, value)
		case strings.HasPrefix(label, "créditos"):
			fields["ects"] = field(page, intOrZero(strings.TrimSuffix(value, " ECTS")))
		}
	})

	if _, ok := fields["name"]; !ok {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "class name row not found"}
	}

	classID := page.Target.Params["class"]
	return portal.ParseResult{
		Records: []portal.StructuredRecord{{
			Kind:   portal.KindClass,
			Key:    portal.NaturalKey(classID),
			Fields: fields,
		}},
	}, nil
}

// ClassFilesParser extracts the documents uploaded to a class instance
// and queues their downloads.
type ClassFilesParser struct{}

// Parse scans file rows by their object-id download link. Each row also
// carries size, upload time and uploader cells when the portal has them.
func (p *ClassFilesParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	instanceKey := page.Target.Key
	var result portal.ParseResult
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		id := firstMatch(portal.FileExp, href)
		if id == "" {
			return
		}

		fields := map[string]portal.FieldValue{
			"name": field(page, cleanText(s.Text())),
		}
		row := s.Closest("tr")
		if cells := row.Find("td"); cells.Length() >= 4 {
			if size := cleanText(cells.Eq(1).Text()); size != "" {
				fields["size"] = field(page, size)
			}
			if uploaded := cleanText(cells.Eq(2).Text()); uploaded != "" {
				fields["uploaded_at"] = field(page, uploaded)
			}
			if uploader := cleanText(cells.Eq(3).Text()); uploader != "" {
				fields["uploader"] = field(page, uploader)
			}
		}

		result.Records = append(result.Records, portal.StructuredRecord{
			Kind:   portal.KindFile,
			Key:    portal.NaturalKey(id),
			Fields: fields,
			Refs: []portal.Reference{
				{Field: "class_instance", Kind: portal.KindClassInstance, Key: instanceKey},
			},
		})
		result.Discovered = append(result.Discovered, portal.CrawlTarget{
			Page:           portal.PageFileDownload,
			Key:            portal.NaturalKey(id),
			Params:         map[string]string{"file": id},
			DiscoveredFrom: page.Target.ID(),
		})
	})
	return result, nil
}
