package state

// Source identifies which transport delivered a snapshot.
type Source string

const (
	SourceStream Source = "stream"
	SourcePoll   Source = "poll"
)

// Snapshot is the full reconciled panel state at a point in time.
// Each element is a short symbolic code as published by the panel.
type Snapshot struct {
	Areas []string `json:"areas"`
	Zones []string `json:"zones"`
	PGM   []string `json:"pgm,omitempty"`
	Ukeys []string `json:"ukeys,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{}
	if s.Areas != nil {
		c.Areas = append([]string(nil), s.Areas...)
	}
	if s.Zones != nil {
		c.Zones = append([]string(nil), s.Zones...)
	}
	if s.PGM != nil {
		c.PGM = append([]string(nil), s.PGM...)
	}
	if s.Ukeys != nil {
		c.Ukeys = append([]string(nil), s.Ukeys...)
	}
	return c
}

// Field names used in change events.
const (
	FieldAreas = "areas"
	FieldZones = "zones"
	FieldPGM   = "pgm"
	FieldUkeys = "ukeys"
)

// Change describes a single positional difference between two snapshots.
type Change struct {
	Field string `json:"field"`
	Index int    `json:"index"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

var areaLabels = map[string]string{
	"disarm":    "disarmed",
	"arm":       "armed-away",
	"stay":      "armed-stay",
	"sleep":     "armed-night",
	"alarm":     "alarm",
	"countdown": "exit-countdown",
}

var zoneLabels = map[string]string{
	"c": "closed",
	"a": "active",
	"b": "bypassed",
	"t": "tampered",
	"f": "fault",
}

// AreaLabel returns a human label for an area code, or the code itself
// when unknown. Labels are for logging only; the codes stay authoritative.
func AreaLabel(code string) string {
	if l, ok := areaLabels[code]; ok {
		return l
	}
	return code
}

// ZoneLabel returns a human label for a zone code, or the code itself.
func ZoneLabel(code string) string {
	if l, ok := zoneLabels[code]; ok {
		return l
	}
	return code
}

// UkeyLabel returns a human label for a utility key code.
func UkeyLabel(code string) string {
	if code == "1" {
		return "fault"
	}
	return "normal"
}
