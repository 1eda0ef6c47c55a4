package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusarchive/crawler/internal/portal"
)

// TestAdmissionIndexParser verifies course discovery fans out to the
// three contest phases.
func TestAdmissionIndexParser(t *testing.T) {
	t.Parallel()

	body := `<html><body>
		<a href="page?curso=151">Engenharia Inform&aacute;tica</a>
	</body></html>`
	page := htmlPage(t, portal.PageAdmissionIndex, map[string]string{"year": "2024"}, body)

	result, err := (&AdmissionIndexParser{}).Parse(page)
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	assert.Equal(t, portal.KindCourse, result.Records[0].Kind)

	require.Len(t, result.Discovered, 3)
	for i, target := range result.Discovered {
		assert.Equal(t, portal.PageAdmittedList, target.Page)
		assert.Equal(t, "151", target.Params["course"])
		assert.Equal(t, map[string]string{
			"course": "151", "year": "2024", "phase": []string{"1", "2", "3"}[i],
		}, target.Params)
	}
}

const admittedFixture = `<table>
	<tr><th colspan="8" bgcolor="#95AEA8">Colocados</th></tr>
	<tr><th>Nome</th><th>a</th><th>b</th><th>c</th><th>Op</th><th>Id</th><th>Estado</th></tr>
	<tr>
		<td>Maria Santos</td><td>x</td><td>x</td><td>x</td>
		<td>1</td><td>50001</td><td>Matriculado</td>
	</tr>
	<tr>
		<td>Rui Costa</td><td>x</td><td>x</td><td>x</td>
		<td></td><td></td><td></td>
	</tr>
</table>`

// TestAdmittedListParser verifies row extraction with empty-as-unset
// cells and the student back-reference.
func TestAdmittedListParser(t *testing.T) {
	t.Parallel()

	params := map[string]string{"course": "151", "year": "2024", "phase": "1"}
	page := htmlPage(t, portal.PageAdmittedList, params, admittedFixture)

	result, err := (&AdmittedListParser{}).Parse(page)
	require.NoError(t, err)

	// First row also produces a student stub for the back-reference.
	require.Len(t, result.Records, 3)

	student := result.Records[0]
	assert.Equal(t, portal.KindStudent, student.Kind)
	assert.Equal(t, portal.NaturalKey("50001"), student.Key)

	placed := result.Records[1]
	assert.Equal(t, portal.KindAdmission, placed.Kind)
	assert.Equal(t, portal.ComposeKey("151", "2024", "1", "Maria Santos"), placed.Key)
	assert.Equal(t, 1, placed.Fields["option"].Value)
	assert.Equal(t, "Matriculado", placed.Fields["state"].Value)
	require.Len(t, placed.Refs, 2)
	assert.Equal(t, portal.KindStudent, placed.Refs[1].Kind)

	anonymous := result.Records[2]
	assert.Equal(t, portal.KindAdmission, anonymous.Kind)
	_, hasOption := anonymous.Fields["option"]
	assert.False(t, hasOption)
	_, hasState := anonymous.Fields["state"]
	assert.False(t, hasState)
	require.Len(t, anonymous.Refs, 1, "no student reference without an id")
}

// TestAdmittedListParserMissingAnchor verifies the fixed header cell is
// a hard requirement.
func TestAdmittedListParserMissingAnchor(t *testing.T) {
	t.Parallel()

	page := htmlPage(t, portal.PageAdmittedList, map[string]string{"course": "151"}, "<table><tr><td>x</td></tr></table>")

	_, err := (&AdmittedListParser{}).Parse(page)
	var parseErr *portal.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Reason, "header")
}
