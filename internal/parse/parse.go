// Package parse turns raw portal pages into structured records and
// newly discovered crawl targets. One parser per page kind; parsers are
// pure functions over the page body and never fetch.
package parse

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/campusarchive/crawler/internal/metrics"
	"github.com/campusarchive/crawler/internal/portal"
)

// Registry dispatches pages to the parser registered for their kind.
type Registry struct {
	parsers map[portal.PageKind]portal.Parser
}

// NewRegistry builds the registry with every page parser wired in.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{parsers: map[portal.PageKind]portal.Parser{
		portal.PageDepartmentList:     &DepartmentListParser{},
		portal.PageDepartmentClasses:  &DepartmentClassesParser{},
		portal.PageDepartmentTeachers: &DepartmentTeachersParser{},
		portal.PageCourseList:         &CourseListParser{},
		portal.PageCourseStatistics:   &CourseStatisticsParser{},
		portal.PageClass:              &ClassParser{},
		portal.PageClassRoster:        &RosterParser{logger: logger},
		portal.PageClassGrades:        &GradesParser{logger: logger},
		portal.PageClassFiles:         &ClassFilesParser{},
		portal.PageBuildingList:       &BuildingListParser{},
		portal.PageBuildingSchedule:   &BuildingScheduleParser{},
		portal.PageAdmissionIndex:     &AdmissionIndexParser{},
		portal.PageAdmittedList:       &AdmittedListParser{},
		portal.PageLibraryRooms:       &LibraryRoomsParser{},
	}}
}

// ParserFor returns the parser for a page kind.
func (r *Registry) ParserFor(kind portal.PageKind) (portal.Parser, bool) {
	p, ok := r.parsers[kind]
	return p, ok
}

// Parse dispatches to the registered parser and tracks outcome metrics.
func (r *Registry) Parse(page portal.RawPage) (portal.ParseResult, error) {
	p, ok := r.parsers[page.Target.Page]
	if !ok {
		return portal.ParseResult{}, &portal.ParseError{
			Page:   page.Target.Page,
			Reason: "no parser registered",
		}
	}
	result, err := p.Parse(page)
	if err != nil {
		metrics.ObserveParseFailure(string(page.Target.Page))
		return portal.ParseResult{}, err
	}
	counts := map[portal.EntityKind]int{}
	for _, rec := range result.Records {
		counts[rec.Kind]++
	}
	for kind, n := range counts {
		metrics.ObserveParsedRecords(string(kind), n)
	}
	return result, nil
}

// document decodes a page body into a goquery document. The portal serves
// ISO-8859-1; bodies are transcoded unless the response declared UTF-8.
func document(page portal.RawPage) (*goquery.Document, error) {
	reader := bytes.NewReader(page.Body)
	if strings.Contains(strings.ToLower(page.ContentType), "utf-8") {
		return goquery.NewDocumentFromReader(reader)
	}
	return goquery.NewDocumentFromReader(charmap.ISO8859_1.NewDecoder().Reader(reader))
}

// decodeText transcodes a non-HTML body (the roster export) to UTF-8.
func decodeText(page portal.RawPage) (string, error) {
	if strings.Contains(strings.ToLower(page.ContentType), "utf-8") {
		return string(page.Body), nil
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(page.Body)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// field tags a value with the page that observed it.
func field(page portal.RawPage, value any) portal.FieldValue {
	return portal.FieldValue{Value: value, Source: page.Target.Page, ObservedAt: page.FetchedAt}
}

// cleanText collapses runs of whitespace and trims the result.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// intOrZero parses a decimal, tolerating ordinal suffixes the portal
// appends to attempt and year counters.
func intOrZero(s string) int {
	s = strings.TrimRight(strings.TrimSpace(s), "ºª")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// firstMatch returns the first capture group of exp in s, or "".
func firstMatch(exp interface{ FindStringSubmatch(string) []string }, s string) string {
	m := exp.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
