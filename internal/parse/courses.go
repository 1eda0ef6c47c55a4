package parse

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/campusarchive/crawler/internal/portal"
)

// CourseListParser extracts every course the institution teaches.
type CourseListParser struct{}

// Parse scans course links by their curso query parameter.
func (p *CourseListParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	var result portal.ParseResult
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		id := firstMatch(portal.CourseExp, href)
		if id == "" {
			return
		}
		result.Records = append(result.Records, portal.StructuredRecord{
			Kind: portal.KindCourse,
			Key:  portal.NaturalKey(id),
			Fields: map[string]portal.FieldValue{
				"name": field(page, cleanText(s.Text())),
			},
		})
	})
	return result, nil
}

// CourseStatisticsParser extracts course abbreviations from the per-degree
// statistics listing. Rows without an abbreviation are skipped.
type CourseStatisticsParser struct{}

// Parse scans course links; the link text on this page is the
// abbreviation rather than the full name.
func (p *CourseStatisticsParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	degree := page.Target.Params["degree"]
	var result portal.ParseResult
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		id := firstMatch(portal.CourseExp, href)
		if id == "" {
			return
		}
		abbreviation := cleanText(s.Text())
		if abbreviation == "" {
			return
		}
		result.Records = append(result.Records, portal.StructuredRecord{
			Kind: portal.KindCourse,
			Key:  portal.NaturalKey(id),
			Fields: map[string]portal.FieldValue{
				"abbreviation": field(page, abbreviation),
				"degree":       field(page, degree),
			},
		})
	})
	return result, nil
}
