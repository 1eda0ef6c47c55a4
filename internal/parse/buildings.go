package parse

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/campusarchive/crawler/internal/portal"
)

// BuildingListParser extracts the buildings registered for a period and
// fans out to one schedule page per building.
type BuildingListParser struct{}

// Parse scans building links by their edifício query parameter. The room
// inventory is identical across weekdays, so one schedule page per
// building is enough to enumerate rooms.
func (p *BuildingListParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	params := page.Target.Params
	year := intOrZero(params["year"])

	var result portal.ParseResult
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		id := firstMatch(portal.BuildingExp, href)
		if id == "" {
			return
		}
		result.Records = append(result.Records, portal.StructuredRecord{
			Kind: portal.KindBuilding,
			Key:  portal.NaturalKey(id),
			Fields: map[string]portal.FieldValue{
				"name":       field(page, cleanText(s.Text())),
				"first_year": field(page, year),
				"last_year":  field(page, year),
			},
		})
		result.Discovered = append(result.Discovered, portal.CrawlTarget{
			Page: portal.PageBuildingSchedule,
			Key:  portal.NaturalKey(id),
			Params: map[string]string{
				"building":    id,
				"year":        params["year"],
				"period":      params["period"],
				"period_type": params["period_type"],
				"weekday":     "2",
			},
			DiscoveredFrom: page.Target.ID(),
		})
	})
	return result, nil
}

// BuildingScheduleParser extracts the rooms of a building from its
// occupation page.
type BuildingScheduleParser struct{}

// Parse scans room links by their espaço query parameter and classifies
// each room's designation string.
func (p *BuildingScheduleParser) Parse(page portal.RawPage) (portal.ParseResult, error) {
	doc, err := document(page)
	if err != nil {
		return portal.ParseResult{}, &portal.ParseError{Page: page.Target.Page, Reason: "decode document", Err: err}
	}

	building := page.Target.Params["building"]
	var result portal.ParseResult
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		id := firstMatch(portal.PlaceExp, href)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}

		designation := cleanText(s.Text())
		roomType, name := ParseRoomString(designation)
		result.Records = append(result.Records, portal.StructuredRecord{
			Kind: portal.KindRoom,
			Key:  portal.NaturalKey(id),
			Fields: map[string]portal.FieldValue{
				"name":        field(page, name),
				"type":        field(page, roomType),
				"designation": field(page, designation),
			},
			Refs: []portal.Reference{
				{Field: "building", Kind: portal.KindBuilding, Key: portal.NaturalKey(building)},
			},
		})
	})
	return result, nil
}

// longRoomExp matches the portal's long room designation strings, which
// look like "Laboratório de Ensino Ed xyz: Lab 123".
var longRoomExp = regexp.MustCompile(
	`(?P<room_type>Sala|Laboratório de Ensino|Anfiteatro)` +
		`( de (?P<room_subtype>Aula|Reunião|Mestrado|Computadores|Multimédia|Multiusos))?` +
		`( Ed (?P<building>[\p{L}\d ]+):)? (Lab\.? |Laboratório )?(?P<room_name>[\p{L}\d .-]*)`)

// ParseRoomString classifies a raw room designation into a room type and
// a short name. Unrecognized designations fall back to a generic room
// named by the whole string.
func ParseRoomString(designation string) (portal.RoomType, string) {
	match := longRoomExp.FindStringSubmatch(designation)
	if match == nil {
		return portal.RoomGeneric, cleanText(designation)
	}
	groups := map[string]string{}
	for i, name := range longRoomExp.SubexpNames() {
		if name != "" && i < len(match) {
			groups[name] = match[i]
		}
	}

	name := strings.TrimSpace(groups["room_name"])
	switch groups["room_subtype"] {
	case "Aula":
		return portal.RoomClassroom, name
	case "Computadores":
		return portal.RoomComputer, name
	case "Reunião":
		return portal.RoomMeeting, name
	case "Mestrado", "Multimédia":
		return portal.RoomMasters, name
	case "Multiusos":
		return portal.RoomGeneric, name
	}
	switch {
	case strings.HasPrefix(groups["room_type"], "Lab"):
		return portal.RoomLaboratory, name
	case strings.HasPrefix(groups["room_type"], "Anf"):
		return portal.RoomAuditorium, name
	default:
		return portal.RoomGeneric, name
	}
}
