// Package portal defines the core types shared by the crawl pipeline:
// crawl targets, fetched pages, parsed records and the error taxonomy.
package portal

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityKind identifies the kind of academic entity a record describes.
type EntityKind string

// Entity kinds ingested from the portal.
const (
	KindDepartment    EntityKind = "department"
	KindCourse        EntityKind = "course"
	KindClass         EntityKind = "class"
	KindClassInstance EntityKind = "class_instance"
	KindStudent       EntityKind = "student"
	KindTeacher       EntityKind = "teacher"
	KindBuilding      EntityKind = "building"
	KindRoom          EntityKind = "room"
	KindAdmission     EntityKind = "admission"
	KindEnrollment    EntityKind = "enrollment"
	KindLibraryRoom   EntityKind = "library_room"
	KindFile          EntityKind = "file"
)

// RoomType classifies physical spaces parsed out of the portal's room
// designation strings.
type RoomType string

// Room types distinguished by the designation grammar.
const (
	RoomGeneric    RoomType = "generic"
	RoomClassroom  RoomType = "classroom"
	RoomAuditorium RoomType = "auditorium"
	RoomLaboratory RoomType = "laboratory"
	RoomComputer   RoomType = "computer"
	RoomMeeting    RoomType = "meeting"
	RoomMasters    RoomType = "masters"
)

// PageKind identifies a portal page layout. Each page kind has exactly one
// parser, and the merge policy uses it to decide field authority.
type PageKind string

// Portal page kinds reachable through the navigation graph.
const (
	PageDepartmentList     PageKind = "department_list"
	PageDepartmentClasses  PageKind = "department_classes"
	PageDepartmentTeachers PageKind = "department_teachers"
	PageCourseList         PageKind = "course_list"
	PageCourseStatistics   PageKind = "course_statistics"
	PageClass              PageKind = "class"
	PageClassRoster        PageKind = "class_roster"
	PageClassGrades        PageKind = "class_grades"
	PageClassFiles         PageKind = "class_files"
	PageBuildingList       PageKind = "building_list"
	PageBuildingSchedule   PageKind = "building_schedule"
	PageAdmissionIndex     PageKind = "admission_index"
	PageAdmittedList       PageKind = "admitted_list"
	PageLibraryRooms       PageKind = "library_rooms"
	PageFileDownload       PageKind = "file_download"
)

// NaturalKey is the portal's own identifier for an entity (student number,
// department id, ...). Composite keys join their parts with ':'.
type NaturalKey string

// ComposeKey builds a composite natural key out of ordered parts.
func ComposeKey(parts ...string) NaturalKey {
	return NaturalKey(strings.Join(parts, ":"))
}

// CrawlTarget is one page to fetch. Targets are ephemeral: they exist only
// within a crawl pass and are rebuilt from seeds plus parser discoveries.
type CrawlTarget struct {
	Page           PageKind
	Key            NaturalKey
	Params         map[string]string
	DiscoveredFrom string
}

// ID returns a stable identity for checkpointing and deduplication.
// Params are serialized in sorted order so equal targets always collide.
func (t CrawlTarget) ID() string {
	if len(t.Params) == 0 {
		return fmt.Sprintf("%s|%s", t.Page, t.Key)
	}
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s", t.Page, t.Key)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, t.Params[k])
	}
	return b.String()
}

// RawPage is the body fetched for a target. It is owned by the
// dispatch-to-parse handoff and discarded after a successful parse.
type RawPage struct {
	Target      CrawlTarget
	Body        []byte
	StatusCode  int
	ContentType string
	FetchedAt   time.Time
}

// FieldValue is one observed value for an entity field, tagged with the
// page that produced it so the merge policy can rank observations.
type FieldValue struct {
	Value      any       `json:"value"`
	Source     PageKind  `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// StructuredRecord is the parser output for one entity observation.
// Records are immutable once produced; several partial records for the
// same natural key may arrive from different pages over time.
type StructuredRecord struct {
	Kind   EntityKind
	Key    NaturalKey
	Fields map[string]FieldValue
	Refs   []Reference
}

// Reference points at another entity by natural key. References are
// resolved to surrogate identifiers before the record is persisted.
type Reference struct {
	Field string
	Kind  EntityKind
	Key   NaturalKey
}

// ParseResult bundles the records extracted from a page with the targets
// the page links to. Discovery through parsers is how traversal expands.
type ParseResult struct {
	Records    []StructuredRecord
	Discovered []CrawlTarget
}

// SurrogateID is the stable internal identifier allocated on the first
// observation of a natural key. It is never reassigned or deleted.
type SurrogateID int64

// ReconciledEntity is the merged, reference-resolved view of an entity.
// It is the authoritative record handed to the persistent store.
type ReconciledEntity struct {
	ID     SurrogateID            `json:"id"`
	Kind   EntityKind             `json:"kind"`
	Key    NaturalKey             `json:"key"`
	Fields map[string]FieldValue  `json:"fields"`
	Refs   map[string]SurrogateID `json:"refs,omitempty"`
}

// Clone returns a deep copy so callers can mutate merge state without
// aliasing entities already queued for commit.
func (e ReconciledEntity) Clone() ReconciledEntity {
	cp := e
	cp.Fields = make(map[string]FieldValue, len(e.Fields))
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	cp.Refs = make(map[string]SurrogateID, len(e.Refs))
	for k, v := range e.Refs {
		cp.Refs[k] = v
	}
	return cp
}

// Checkpoint records crawl progress. Completed targets are never
// reprocessed after a resume; everything else is reconstructible from the
// seed configuration plus parser discovery.
type Checkpoint struct {
	PassID    string    `json:"pass_id"`
	Completed []string  `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompletedSet returns the completed target ids as a set.
func (c Checkpoint) CompletedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Completed))
	for _, id := range c.Completed {
		set[id] = struct{}{}
	}
	return set
}

// FileBlob describes one stored attachment body. Identical bytes collapse
// to a single blob whose reference count tracks the records using it.
type FileBlob struct {
	Hash     string
	Size     int64
	RefCount int64
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
