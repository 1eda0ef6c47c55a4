package parse

import (
	"strings"

	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/portal"
)

// rosterHeaderLines is the fixed preamble of the enrollment export.
const rosterHeaderLines = 4

// rosterColumns is the column count of a well-formed roster line:
// statutes, name, student id, abbreviation, course, attempt, year.
const rosterColumns = 7

// RosterParser reads the tab-separated enrollment export of a class
// instance. Malformed lines are skipped with a warning; a student row
// without a name aborts the parse.
type RosterParser struct {
	logger *zap.Logger
}

// Parse splits the export into lines, drops the header and produces one
// student and one enrollment record per row.
func (p *RosterParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	text, err := decodeText(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode export", Err: err}
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) <= rosterHeaderLines {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "export shorter than its header"}
	}
	lines = lines[rosterHeaderLines:]

	instanceKey := page.Target.Key
	var result portal.ParseResult
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != rosterColumns {
			p.logger.Warn("skipping malformed roster line",
				zap.String("target", page.Target.ID()),
				zap.Int("columns", len(cols)))
			continue
		}

		statutes := strings.TrimSpace(cols[0])
		name := strings.TrimSpace(cols[1])
		studentID := strings.TrimSpace(cols[2])
		abbreviation := strings.TrimSpace(cols[3])
		course := strings.TrimSpace(cols[4])
		attempt := intOrZero(cols[5])
		studentYear := intOrZero(cols[6])

		if name == "" {
			return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "student row without a name"}
		}
		if studentID == "" {
			p.logger.Warn("skipping roster line without a student id",
				zap.String("target", page.Target.ID()),
				zap.String("student", name))
			continue
		}

		studentKey := portal.NaturalKey(studentID)
		studentFields := map[string]portal.FieldValue{
			"name": field(page, name),
		}
		if abbreviation != "" {
			studentFields["abbreviation"] = field(page, abbreviation)
		}
		if course != "" {
			studentFields["course_abbreviation"] = field(page, course)
		}

		enrollmentFields := map[string]portal.FieldValue{
			"attempt":      field(page, attempt),
			"student_year": field(page, studentYear),
		}
		if statutes != "" {
			enrollmentFields["statutes"] = field(page, statutes)
		}

		result.Records = append(result.Records,
			portal.StructuredRecord{
				Kind:   portal.KindStudent,
				Key:    studentKey,
				Fields: studentFields,
			},
			portal.StructuredRecord{
				Kind:   portal.KindEnrollment,
				Key:    portal.ComposeKey(string(instanceKey), studentID),
				Fields: enrollmentFields,
				Refs: []portal.Reference{
					{Field: "student", Kind: portal.KindStudent, Key: studentKey},
					{Field: "class_instance", Kind: portal.KindClassInstance, Key: instanceKey},
				},
			})
	}
	return result, nil
}
