package parse

import (
	"strconv"

	"github.com/PuerkitoBio/goquery"

	"github.com/campusarchive/crawler/internal/portal"
)

// admissionPhases is the range of national-contest placement phases.
var admissionPhases = []string{"1", "2", "3"}

// AdmissionIndexParser extracts the courses that admitted students in an
// academic year and fans out to the per-phase placement lists.
type AdmissionIndexParser struct{}

// Parse scans course links on the admissions index.
func (p *AdmissionIndexParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	year := page.Target.Params["year"]
	var result portal.ParseResult
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		id := firstMatch(portal.CourseExp, href)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}

		result.Records = append(result.Records, portal.StructuredRecord{
			Kind: portal.KindCourse,
			Key:  portal.NaturalKey(id),
			Fields: map[string]portal.FieldValue{
				"name": field(page, cleanText(s.Text())),
			},
		})
		for _, phase := range admissionPhases {
			result.Discovered = append(result.Discovered, portal.CrawlTarget{
				Page:           portal.PageAdmittedList,
				Key:            portal.ComposeKey(id, year, phase),
				Params:         map[string]string{"course": id, "year": year, "phase": phase},
				DiscoveredFrom: page.Target.ID(),
			})
		}
	})
	return result, nil
}

// admittedAnchor is the header cell that anchors the placement table.
// Without it the page layout is unrecognizable and parsing must fail.
const admittedAnchor = `th[colspan="8"][bgcolor="#95AEA8"]`

// AdmittedListParser extracts the candidates placed into a course in one
// contest phase.
type AdmittedListParser struct{}

// Parse locates the placement table by its fixed header cell and reads
// name, option, student id and state from each row. Empty cells stay
// unset rather than defaulting.
func (p *AdmittedListParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	anchor := doc.Find(admittedAnchor)
	if anchor.Length() == 0 {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "placement table header not found"}
	}

	params := page.Target.Params
	course := params["course"]
	year := params["year"]
	phase := params["phase"]

	var result portal.ParseResult
	anchor.Closest("table").Find("tr").Each(func(_ int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 {
			return
		}
		cells := row.Find("td")
		if cells.Length() < 7 {
			return
		}

		name := cleanText(cells.Eq(0).Text())
		option := cleanText(cells.Eq(4).Text())
		studentID := cleanText(cells.Eq(5).Text())
		state := cleanText(cells.Eq(6).Text())
		if name == "" {
			return
		}

		fields := map[string]portal.FieldValue{
			"name":  field(page, name),
			"year":  field(page, intOrZero(year)),
			"phase": field(page, intOrZero(phase)),
		}
		if option != "" {
			if n, err := strconv.Atoi(option); err == nil {
				fields["option"] = field(page, n)
			}
		}
		if state != "" {
			fields["state"] = field(page, state)
		}

		refs := []portal.Reference{
			{Field: "course", Kind: portal.KindCourse, Key: portal.NaturalKey(course)},
		}
		if studentID != "" {
			studentKey := portal.NaturalKey(studentID)
			refs = append(refs, portal.Reference{Field: "student", Kind: portal.KindStudent, Key: studentKey})
			result.Records = append(result.Records, portal.StructuredRecord{
				Kind: portal.KindStudent,
				Key:  studentKey,
				Fields: map[string]portal.FieldValue{
					"name": field(page, name),
				},
			})
		}

		result.Records = append(result.Records, portal.StructuredRecord{
			Kind:   portal.KindAdmission,
			Key:    portal.ComposeKey(course, year, phase, name),
			Fields: fields,
			Refs:   refs,
		})
	})
	return result, nil
}
