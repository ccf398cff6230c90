// Package tagger assigns coarse topic labels to chunks and pulls chapter and
// section headings out of page text. Both are keyword/regex heuristics: they
// misfire on irregular layouts and callers must treat their output as hints.
package tagger

import (
	"strings"

	"github.com/WessleyAI/driveiq/engine/domain"
)

// DefaultMinMatches is how many keywords of a set must occur for its topic to apply.
const DefaultMinMatches = 2

// TopicSet is a named keyword list.
type TopicSet struct {
	Name     string
	Keywords []string
}

// DefaultTopicSets are tuned for owner's manuals and service records.
var DefaultTopicSets = []TopicSet{
	{Name: "maintenance", Keywords: []string{
		"oil", "filter", "fluid", "tire", "brake", "coolant", "transmission",
		"maintenance", "service", "interval", "schedule", "inspect", "replace",
		"lubrication", "rotation", "alignment", "battery", "wiper", "belt",
		"differential", "transfer case", "spark plug", "air filter", "cabin filter",
	}},
	{Name: "technical", Keywords: []string{
		"engine", "horsepower", "torque", "specification", "capacity", "dimension",
		"towing", "payload", "electrical", "fuse", "wiring", "sensor", "ecu",
		"transmission", "drivetrain", "suspension", "steering", "exhaust",
		"compression", "displacement", "rpm", "voltage", "amperage", "cylinder",
	}},
	{Name: "safety", Keywords: []string{
		"warning", "danger", "caution", "airbag", "seatbelt", "abs", "traction",
		"stability", "brake", "emergency", "hazard", "recall", "safety",
		"collision", "impact", "restraint", "child seat", "latch", "anchor",
	}},
	{Name: "operation", Keywords: []string{
		"drive", "start", "stop", "park", "shift", "accelerate", "steering",
		"control", "switch", "button", "dial", "display", "meter", "gauge",
		"indicator", "light", "signal", "horn", "mirror", "seat", "window",
	}},
	{Name: "features", Keywords: []string{
		"navigation", "audio", "bluetooth", "climate", "cruise", "4wd", "awd",
		"crawl control", "multi-terrain", "kinetic", "locking", "feature",
		"system", "mode", "setting", "option", "comfort", "convenience",
	}},
	{Name: "history", Keywords: []string{
		"carfax", "owner", "accident", "damage", "title", "odometer", "mileage",
		"service record", "history", "previous", "inspection",
	}},
}

// Tagger detects topics by counting keyword occurrences per set.
type Tagger struct {
	sets       []TopicSet
	minMatches int
}

// New creates a Tagger over sets. A nil sets uses DefaultTopicSets; minMatches <= 0 uses DefaultMinMatches.
func New(sets []TopicSet, minMatches int) *Tagger {
	if sets == nil {
		sets = DefaultTopicSets
	}
	if minMatches <= 0 {
		minMatches = DefaultMinMatches
	}
	normalized := make([]TopicSet, len(sets))
	for i, s := range sets {
		kws := make([]string, len(s.Keywords))
		for j, kw := range s.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		normalized[i] = TopicSet{Name: s.Name, Keywords: kws}
	}
	return &Tagger{sets: normalized, minMatches: minMatches}
}

// Topics returns the topic names whose sets reach the match threshold in text,
// in set order. It never returns an empty slice.
func (t *Tagger) Topics(text string) []string {
	lower := strings.ToLower(text)
	var topics []string
	for _, s := range t.sets {
		matches := 0
		for _, kw := range s.Keywords {
			if strings.Contains(lower, kw) {
				matches++
			}
		}
		if matches >= t.minMatches {
			topics = append(topics, s.Name)
		}
	}
	if len(topics) == 0 {
		return []string{domain.TopicGeneral}
	}
	return topics
}

// Names lists the configured topic names.
func (t *Tagger) Names() []string {
	names := make([]string, len(t.sets))
	for i, s := range t.sets {
		names[i] = s.Name
	}
	return names
}
