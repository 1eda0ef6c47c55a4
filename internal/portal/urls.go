package portal

import (
	"fmt"
	"regexp"
)

// URLs builds addresses for the portal's navigation graph. The query
// parameter names are Latin-1 percent-encoded exactly as the portal
// expects them; they must not be re-encoded.
type URLs struct {
	Root        string
	Institution string
}

// Login is the root page carrying the credential form.
func (u URLs) Login() string {
	return u.Root + "/"
}

// DepartmentList lists the departments active in an academic year.
func (u URLs) DepartmentList(year string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/ano_lectivo/sector?ano_lectivo=%s&institui%%E7%%E3o=%s",
		u.Root, year, u.Institution)
}

// DepartmentClasses lists the classes a department teaches in a period.
func (u URLs) DepartmentClasses(department, year, period, periodType string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/ano_lectivo/sector/ano_lectivo?tipo_de_per%%EDodo_lectivo=%s&sector=%s&ano_lectivo=%s&per%%EDodo_lectivo=%s&institui%%E7%%E3o=%s",
		u.Root, periodType, department, year, period, u.Institution)
}

// DepartmentTeachers lists the teachers attached to a department in a period.
func (u URLs) DepartmentTeachers(department, year, period, periodType string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/ano_lectivo/hor%%E1rio/unidade_de_ensino/Docente?tipo_de_per%%EDodo_lectivo=%s&sector=%s&ano_lectivo=%s&per%%EDodo_lectivo=%s&institui%%E7%%E3o=%s",
		u.Root, periodType, department, year, period, u.Institution)
}

// CourseList lists every course the institution teaches.
func (u URLs) CourseList() string {
	return fmt.Sprintf("%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/curso?institui%%E7%%E3o=%s",
		u.Root, u.Institution)
}

// CourseStatistics lists courses of a degree with their abbreviations.
func (u URLs) CourseStatistics(degree string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/estat%%EDstica/alunos/evolu%%E7%%E3o?institui%%E7%%E3o=%s&n%%EDvel_acad%%E9mico=%s",
		u.Root, u.Institution, degree)
}

// Class is the main page of a class instance.
func (u URLs) Class(classID, department, year, period, periodType string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/ano_lectivo/sector/ano_lectivo/unidade_curricular?tipo_de_per%%EDodo_lectivo=%s&sector=%s&ano_lectivo=%s&per%%EDodo_lectivo=%s&institui%%E7%%E3o=%s&unidade_curricular=%s",
		u.Root, periodType, department, year, period, u.Institution, classID)
}

// ClassRoster is the tab-separated enrollment export of a class instance.
func (u URLs) ClassRoster(classID, department, year, period, periodType string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/ano_lectivo/sector/ano_lectivo/unidade_curricular/actividade/inscri%%E7%%F5es/pautas?tipo_de_per%%EDodo_lectivo=%s&sector=%s&ano_lectivo=%s&per%%EDodo_lectivo=%s&institui%%E7%%E3o=%s&unidade_curricular=%s&modo=pauta&aux=ficheiro",
		u.Root, periodType, department, year, period, u.Institution, classID)
}

// ClassGrades is the final results sheet of a class instance.
func (u URLs) ClassGrades(classID, department, year, period, periodType string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/ano_lectivo/sector/ano_lectivo/unidade_curricular/actividade/resultados/pautas?tipo_de_per%%EDodo_lectivo=%s&sector=%s&ano_lectivo=%s&per%%EDodo_lectivo=%s&institui%%E7%%E3o=%s&unidade_curricular=%s&tipo_de_avalia%%E7%%E3o_curricular=a",
		u.Root, periodType, department, year, period, u.Institution, classID)
}

// ClassFiles lists the documents uploaded to a class instance.
func (u URLs) ClassFiles(classID, department, year, period, periodType string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/sector/ano_lectivo/unidade_curricular/actividade/documentos?tipo_de_per%%EDodo_lectivo=%s&sector=%s&ano_lectivo=%s&per%%EDodo_lectivo=%s&institui%%E7%%E3o=%s&unidade_curricular=%s",
		u.Root, periodType, department, year, period, u.Institution, classID)
}

// BuildingList lists the buildings registered in a period.
func (u URLs) BuildingList(year, period, periodType string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/ano_lectivo/hor%%E1rio/espa%%E7o?tipo_de_per%%EDodo_lectivo=%s&ano_lectivo=%s&per%%EDodo_lectivo=%s&institui%%E7%%E3o=%s",
		u.Root, periodType, year, period, u.Institution)
}

// BuildingSchedule is a building's occupation page; it exposes rooms.
func (u URLs) BuildingSchedule(building, year, period, periodType, weekday string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/ano_lectivo/hor%%E1rio/espa%%E7o/ocupa%%E7%%E3o?tipo_de_per%%EDodo_lectivo=%s&ano_lectivo=%s&per%%EDodo_lectivo=%s&edif%%EDcio=%s&institui%%E7%%E3o=%s&dia_%%FAtil_da_semana=%s",
		u.Root, periodType, year, period, building, u.Institution, weekday)
}

// AdmissionIndex lists the courses with national-contest admissions in a year.
func (u URLs) AdmissionIndex(year string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/ano_lectivo/candidaturas?ano_lectivo=%s&institui%%E7%%E3o=%s",
		u.Root, year, u.Institution)
}

// AdmittedList lists the candidates admitted to a course in a contest phase.
func (u URLs) AdmittedList(course, year, phase string) string {
	return fmt.Sprintf(
		"%s/utente/institui%%E7%%E3o_sede/unidade_organica/ensino/ano_lectivo/candidaturas/colocados?ano_lectivo=%s&institui%%E7%%E3o=%s&fase=%s&curso=%s",
		u.Root, year, u.Institution, phase, course)
}

// LibraryRooms is the availability page for individual or group study rooms.
// It answers a POST carrying the date under query.
func (u URLs) LibraryRooms(group bool) string {
	if group {
		return u.Root + "/utente/biblioteca/salas_de_grupo"
	}
	return u.Root + "/utente/biblioteca/salas_individuais"
}

// FileDownload is the binary download link for an uploaded document.
func (u URLs) FileDownload(fileID string) string {
	return fmt.Sprintf("%s/objecto?oid=%s", u.Root, fileID)
}

// Link-extraction expressions for the portal's query-string identifiers.
var (
	CourseExp     = regexp.MustCompile(`\bcurso=(\d+)\b`)
	ClassExp      = regexp.MustCompile(`\bunidade_curricular=(\d+)\b`)
	YearExp       = regexp.MustCompile(`\bano_lectivo=(\d+)\b`)
	DepartmentExp = regexp.MustCompile(`\bsector=(\d+)\b`)
	TeacherExp    = regexp.MustCompile(`\bdocente=(\d+)\b`)
	BuildingExp   = regexp.MustCompile(`\bedif%EDcio=(\d+)\b`)
	PlaceExp      = regexp.MustCompile(`\bespa%E7o=(\d+)\b`)
	PeriodExp     = regexp.MustCompile(`tipo_de_per%EDodo_lectivo=(?P<type>\w)&per%EDodo_lectivo=(?P<stage>\d)`)
	FileExp       = regexp.MustCompile(`oid=(?P<id>\d+)`)
)
