package incident

import "sort"

// Case is an incident category.
type Case string

const (
	CaseNone      Case = ""
	CaseDanger    Case = "danger"
	CaseEmergency Case = "emergency"
	CaseIllegal   Case = "illegal"
)

// caseTable maps detector labels to incident categories. Labels not listed
// carry no case and never count toward stability.
var caseTable = map[string]Case{
	"knife":     CaseDanger,
	"gun":       CaseDanger,
	"fall_down": CaseEmergency,
	"lying":     CaseEmergency,
	"cigarette": CaseIllegal,
	"smoking":   CaseIllegal,
}

// CaseFor returns the incident category for label.
func CaseFor(label string) Case {
	return caseTable[label]
}

// Labels returns every label that maps to a case, sorted.
func Labels() []string {
	out := make([]string, 0, len(caseTable))
	for l := range caseTable {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
