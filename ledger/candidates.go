package ledger

// Candidate is one of the fixed baby-name candidates. The set is closed:
// ledger records naming anything else are ignored rather than erroring.
type Candidate string

const (
	CandidateYamin  Candidate = "يامن"
	CandidateGhawth Candidate = "غوث"
	CandidateGhiath Candidate = "غياث"
)

// Candidates lists the fixed candidate set in display order.
var Candidates = []Candidate{
	CandidateYamin,
	CandidateGhawth,
	CandidateGhiath,
}

// IsCandidate reports whether name is in the fixed candidate set.
func IsCandidate(name string) bool {
	for _, c := range Candidates {
		if string(c) == name {
			return true
		}
	}
	return false
}

// CandidateInfo is the editorial content shown alongside each candidate.
type CandidateInfo struct {
	Name    Candidate `json:"name"`
	Meaning string    `json:"meaning"`
	Origin  string    `json:"origin"`
	Note    string    `json:"note"`
}

// infos is a closed lookup: every Candidate has exactly one entry.
var infos = map[Candidate]CandidateInfo{
	CandidateYamin: {
		Name:    CandidateYamin,
		Meaning: "Blessed, fortunate; of the right hand",
		Origin:  "Arabic",
		Note:    "Carries connotations of good omen and prosperity.",
	},
	CandidateGhawth: {
		Name:    CandidateGhawth,
		Meaning: "Succor, aid; one who answers a call for help",
		Origin:  "Arabic",
		Note:    "A strong classical name, rare in modern use.",
	},
	CandidateGhiath: {
		Name:    CandidateGhiath,
		Meaning: "Rescuer, reliever; rain that ends a drought",
		Origin:  "Arabic",
		Note:    "Shares a root with غوث; softer, more common form.",
	},
}

// InfoList returns the editorial content table in display order.
func InfoList() []CandidateInfo {
	list := make([]CandidateInfo, 0, len(Candidates))
	for _, c := range Candidates {
		list = append(list, infos[c])
	}
	return list
}
