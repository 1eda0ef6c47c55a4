package parse

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/portal"
)

// GradesParser reads the final results sheet of a class instance. Each
// result row carries the student number, name, grade and outcome.
type GradesParser struct {
	logger *zap.Logger
}

// Parse walks the result rows, skipping header rows, and produces one
// enrollment record per graded student. Non-numeric grades ("Rep",
// absence markers) are preserved as the outcome text with no grade set.
func (p *GradesParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	instanceKey := page.Target.Key
	var result portal.ParseResult
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 {
			return
		}
		cells := row.Find("td")
		if cells.Length() < 4 {
			return
		}

		studentID := cleanText(cells.Eq(0).Text())
		if _, err := strconv.Atoi(studentID); err != nil {
			return
		}
		name := cleanText(cells.Eq(1).Text())
		gradeText := cleanText(cells.Eq(2).Text())
		outcome := cleanText(cells.Eq(3).Text())

		fields := map[string]portal.FieldValue{}
		if grade, err := strconv.Atoi(gradeText); err == nil {
			fields["grade"] = field(page, grade)
			fields["approved"] = field(page, grade >= 10)
		} else if gradeText != "" {
			fields["outcome"] = field(page, gradeText)
			fields["approved"] = field(page, false)
		}
		if outcome != "" {
			fields["outcome"] = field(page, outcome)
			if strings.HasPrefix(strings.ToLower(outcome), "aprovado") {
				fields["approved"] = field(page, true)
			}
		}
		if len(fields) == 0 {
			p.logger.Warn("result row carries no grade information",
				zap.String("target", page.Target.ID()),
				zap.String("student", studentID))
			return
		}

		studentKey := portal.NaturalKey(studentID)
		result.Records = append(result.Records,
			portal.StructuredRecord{
				Kind: portal.KindStudent,
				Key:  studentKey,
				Fields: map[string]portal.FieldValue{
					"name": field(page, name),
				},
			},
			portal.StructuredRecord{
				Kind:   portal.KindEnrollment,
				Key:    portal.ComposeKey(string(instanceKey), studentID),
				Fields: fields,
				Refs: []portal.Reference{
					{Field: "student", Kind: portal.KindStudent, Key: studentKey},
					{Field: "class_instance", Kind: portal.KindClassInstance, Key: instanceKey},
				},
			})
	})
	return result, nil
}
