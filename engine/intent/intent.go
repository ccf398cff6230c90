// Package intent decides whether a query needs document retrieval at all, and
// which expert area a technical query belongs to.
package intent

import (
	"regexp"
	"strings"
)

// Intent is the retrieval gate produced by Classify.
type Intent string

const (
	VehicleTechnical Intent = "vehicle_technical"
	VehicleGeneral   Intent = "vehicle_general"
	Conversational   Intent = "conversational"
	// OffTopic is a valid state that Classify does not currently produce.
	OffTopic Intent = "off_topic"
)

// NeedsRetrieval reports whether documents should be searched for this intent.
func (i Intent) NeedsRetrieval() bool { return i == VehicleTechnical }

// Valid reports whether i is one of the four known intents.
func (i Intent) Valid() bool {
	switch i {
	case VehicleTechnical, VehicleGeneral, Conversational, OffTopic:
		return true
	}
	return false
}

// shortQueryWords is the length at or below which an unmatched query is chit-chat.
const shortQueryWords = 3

var conversationalPatterns = compile(
	`^(hi|hello|hey|greetings|good morning|good afternoon|good evening)\b`,
	`^(thanks|thank you|thx|ty)\b`,
	`^(bye|goodbye|see you|later)\b`,
	`^(how are you|what's up|sup)\b`,
	`^(who are you|what are you|tell me about yourself)\b`,
)

var vehicleGeneralPatterns = compile(
	`what (color|colour) is my`,
	`what year is my`,
	`what model is my`,
	`what is my vin`,
	`tell me about my (car|vehicle|4runner|truck)`,
)

// VehicleKeywords mark a query as technical when any occurs as a substring.
var VehicleKeywords = []string{
	// maintenance
	"oil", "filter", "change", "service", "maintenance", "schedule", "interval",
	"fluid", "replace", "tire", "rotation", "brake", "transmission", "coolant",
	"spark plug", "battery", "wiper", "alignment", "tune-up",
	// technical
	"spec", "capacity", "towing", "payload", "engine", "horsepower", "torque",
	"mpg", "fuel", "4wd", "awd", "differential", "suspension", "electrical",
	"fuse", "relay", "sensor", "diagnostic", "warning light", "dashboard",
	// safety
	"airbag", "abs", "traction", "stability", "recall", "emergency", "seatbelt",
	"child seat", "hazard",
	// features
	"bluetooth", "navigation", "cruise control", "climate", "air conditioning",
	"heater", "radio", "speaker", "camera", "parking", "mirror", "seat",
	"window", "door", "lock", "key", "remote", "start",
	// general
	"manual", "owner", "guide", "how to", "how do i", "where is", "what is",
	"reset", "turn on", "turn off", "activate", "deactivate",
}

var questionStarters = []string{"how", "what", "where", "when", "why", "can i", "should i", "do i"}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Classify assigns an intent. Greetings and static vehicle attribute
// questions are checked before keywords, so "hey, my brake light" stays
// conversational.
func Classify(query string) Intent {
	q := strings.ToLower(strings.TrimSpace(query))

	if matchAny(conversationalPatterns, q) {
		return Conversational
	}
	if matchAny(vehicleGeneralPatterns, q) {
		return VehicleGeneral
	}
	for _, kw := range VehicleKeywords {
		if strings.Contains(q, kw) {
			return VehicleTechnical
		}
	}
	for _, qs := range questionStarters {
		if strings.HasPrefix(q, qs) {
			return VehicleTechnical
		}
	}
	if len(strings.Fields(q)) <= shortQueryWords {
		return Conversational
	}
	return VehicleTechnical
}
