package parse

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/campusarchive/crawler/internal/portal"
)

// academicPeriods enumerates the period axes a department page fans out
// to: the full year, two semesters and four trimesters.
var academicPeriods = []struct {
	Type  string
	Stage string
}{
	{"a", "1"},
	{"s", "1"}, {"s", "2"},
	{"t", "1"}, {"t", "2"}, {"t", "3"}, {"t", "4"},
}

// DepartmentListParser extracts the departments active in an academic
// year and fans out to their class and teacher listings per period.
type DepartmentListParser struct{}

// Parse scans department links by their sector query parameter.
func (p *DepartmentListParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	year := page.Target.Params["year"]
	var result portal.ParseResult
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		id := firstMatch(portal.DepartmentExp, href)
		if id == "" {
			return
		}
		key := portal.NaturalKey(id)
		result.Records = append(result.Records, portal.StructuredRecord{
			Kind: portal.KindDepartment,
			Key:  key,
			Fields: map[string]portal.FieldValue{
				"name":       field(page, cleanText(s.Text())),
				"first_year": field(page, intOrZero(year)),
				"last_year":  field(page, intOrZero(year)),
			},
		})
		for _, period := range academicPeriods {
			params := map[string]string{
				"department":  id,
				"year":        year,
				"period":      period.Stage,
				"period_type": period.Type,
			}
			instanceKey := portal.ComposeKey(id, year, period.Type, period.Stage)
			result.Discovered = append(result.Discovered,
				portal.CrawlTarget{
					Page:           portal.PageDepartmentClasses,
					Key:            instanceKey,
					Params:         params,
					DiscoveredFrom: page.Target.ID(),
				},
				portal.CrawlTarget{
					Page:           portal.PageDepartmentTeachers,
					Key:            instanceKey,
					Params:         params,
					DiscoveredFrom: page.Target.ID(),
				})
		}
	})
	return result, nil
}

// DepartmentClassesParser extracts the classes a department teaches in
// one period and fans out to each class instance's detail pages.
type DepartmentClassesParser struct{}

// Parse scans class links by their curricular-unit query parameter.
func (p *DepartmentClassesParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	params := page.Target.Params
	department := params["department"]
	year := params["year"]
	period := params["period"]
	periodType := params["period_type"]

	var result portal.ParseResult
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		id := firstMatch(portal.ClassExp, href)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}

		classKey := portal.NaturalKey(id)
		instanceKey := portal.ComposeKey(id, year, periodType, period)
		result.Records = append(result.Records,
			portal.StructuredRecord{
				Kind: portal.KindClass,
				Key:  classKey,
				Fields: map[string]portal.FieldValue{
					"name": field(page, cleanText(s.Text())),
				},
				Refs: []portal.Reference{
					{Field: "department", Kind: portal.KindDepartment, Key: portal.NaturalKey(department)},
				},
			},
			portal.StructuredRecord{
				Kind: portal.KindClassInstance,
				Key:  instanceKey,
				Fields: map[string]portal.FieldValue{
					"year":        field(page, intOrZero(year)),
					"period":      field(page, intOrZero(period)),
					"period_type": field(page, periodType),
				},
				Refs: []portal.Reference{
					{Field: "class", Kind: portal.KindClass, Key: classKey},
					{Field: "department", Kind: portal.KindDepartment, Key: portal.NaturalKey(department)},
				},
			})

		instanceParams := map[string]string{
			"class":       id,
			"department":  department,
			"year":        year,
			"period":      period,
			"period_type": periodType,
		}
		for _, kind := range []portal.PageKind{
			portal.PageClass,
			portal.PageClassRoster,
			portal.PageClassGrades,
			portal.PageClassFiles,
		} {
			result.Discovered = append(result.Discovered, portal.CrawlTarget{
				Page:           kind,
				Key:            instanceKey,
				Params:         instanceParams,
				DiscoveredFrom: page.Target.ID(),
			})
		}
	})
	return result, nil
}

// teacherListSentinel ends the teacher listing; links after it belong to
// the page chrome, not the department.
const teacherListSentinel = "Ficheiro"

// DepartmentTeachersParser extracts the teachers attached to a
// department in one period.
type DepartmentTeachersParser struct{}

// Parse scans teacher links, stopping at the trailing file-export link.
func (p *DepartmentTeachersParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	department := page.Target.Params["department"]
	year := intOrZero(page.Target.Params["year"])

	var result portal.ParseResult
	done := false
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if done {
			return
		}
		name := cleanText(s.Text())
		if name == teacherListSentinel {
			done = true
			return
		}
		href, _ := s.Attr("href")
		id := firstMatch(portal.TeacherExp, href)
		if id == "" {
			return
		}
		result.Records = append(result.Records, portal.StructuredRecord{
			Kind: portal.KindTeacher,
			Key:  portal.NaturalKey(id),
			Fields: map[string]portal.FieldValue{
				"name":       field(page, name),
				"first_year": field(page, year),
				"last_year":  field(page, year),
			},
			Refs: []portal.Reference{
				{Field: "department", Kind: portal.KindDepartment, Key: portal.NaturalKey(department)},
			},
		})
	})
	return result, nil
}
