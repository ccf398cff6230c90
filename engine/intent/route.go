package intent

import "strings"

// Expert is the specialist area a query is routed to.
type Expert string

const (
	ExpertSafety      Expert = "safety"
	ExpertMaintenance Expert = "maintenance"
	ExpertTechnical   Expert = "technical"
	ExpertGeneral     Expert = "general"
)

var (
	safetyKeywords = []string{
		"safety", "warning", "airbag", "brake", "abs", "traction", "stability",
		"recall", "emergency", "child seat", "seatbelt", "crash", "accident",
		"hazard", "danger", "caution",
	}
	maintenanceKeywords = []string{
		"oil", "filter", "change", "service", "maintenance", "schedule",
		"interval", "fluid", "replace", "tire", "rotation", "brake pad",
		"transmission fluid", "coolant", "spark plug", "battery", "wiper",
	}
	technicalKeywords = []string{
		"spec", "capacity", "towing", "payload", "engine", "horsepower",
		"torque", "mpg", "fuel", "transmission", "4wd", "awd", "differential",
		"suspension", "electrical", "fuse", "relay", "sensor", "diagnostic",
	}
)

func countMatches(q string, kws []string) int {
	n := 0
	for _, kw := range kws {
		if strings.Contains(q, kw) {
			n++
		}
	}
	return n
}

// Route picks the expert with the most keyword hits. Ties go to safety, then
// maintenance, then technical.
func Route(query string) Expert {
	q := strings.ToLower(query)
	safety := countMatches(q, safetyKeywords)
	maint := countMatches(q, maintenanceKeywords)
	tech := countMatches(q, technicalKeywords)

	switch {
	case safety > 0 && safety >= max(maint, tech):
		return ExpertSafety
	case maint > 0 && maint >= tech:
		return ExpertMaintenance
	case tech > 0:
		return ExpertTechnical
	default:
		return ExpertGeneral
	}
}
