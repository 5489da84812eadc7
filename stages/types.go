// ABOUTME: Typed artifacts exchanged between research stages through StageContext slots.
// ABOUTME: Each type is plain data so it survives checkpoint JSON round-trips unchanged.
package stages

// Slot names, one per artifact.
const (
	SlotIntent          = "intent"
	SlotPlan            = "plan"
	SlotSearch          = "search"
	SlotVerification    = "verification"
	SlotDraft           = "draft"
	SlotEvaluation      = "evaluation"
	SlotCompliance      = "compliance"
	SlotFinalEvaluation = "final_evaluation"
)

// Intent is the analysed request.
type Intent struct {
	Summary      string   `json:"summary"`
	Requirements []string `json:"requirements"`
	MissingInfo  []string `json:"missing_info,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// Plan lists the sections to write and the queries to research them.
type Plan struct {
	Sections []string `json:"sections"`
	Queries  []string `json:"queries"`
}

// Source is one search hit.
type Source struct {
	Title     string  `json:"title"`
	Location  string  `json:"location"`
	Snippet   string  `json:"snippet"`
	Query     string  `json:"query"`
	Relevance float64 `json:"relevance"`
}

// SearchResults collects hits across all plan queries.
type SearchResults struct {
	Sources      []Source `json:"sources"`
	CoverageGaps []string `json:"coverage_gaps,omitempty"`
}

// Verification splits sources into accepted and rejected.
type Verification struct {
	Accepted     []Source `json:"accepted"`
	Rejected     []Source `json:"rejected,omitempty"`
	AverageScore float64  `json:"average_score"`
}

// Section is one heading of a draft.
type Section struct {
	Heading   string   `json:"heading"`
	Body      string   `json:"body"`
	Citations []string `json:"citations,omitempty"`
}

// Draft is a written document.
type Draft struct {
	Title        string    `json:"title"`
	Sections     []Section `json:"sections"`
	Bibliography []string  `json:"bibliography,omitempty"`
	WordCount    int       `json:"word_count"`
}

// Evaluation scores a draft out of 100.
type Evaluation struct {
	Score         float64  `json:"score"`
	PassThreshold float64  `json:"pass_threshold"`
	Passed        bool     `json:"passed"`
	Risks         []string `json:"risks,omitempty"`
}

// ComplianceIteration is one originality check, with or without a redraft.
type ComplianceIteration struct {
	Attempt        int     `json:"attempt"`
	Similarity     float64 `json:"similarity"`
	RedraftApplied bool    `json:"redraft_applied"`
}

// Compliance is the outcome of originality checking.
type Compliance struct {
	Iterations []ComplianceIteration `json:"iterations"`
	Similarity float64               `json:"similarity"`
	Threshold  float64               `json:"threshold"`
	Passed     bool                  `json:"passed"`
	FinalDraft Draft                 `json:"final_draft"`
}

// RedraftApplied reports whether any iteration rewrote the draft.
func (c Compliance) RedraftApplied() bool {
	for _, it := range c.Iterations {
		if it.RedraftApplied {
			return true
		}
	}
	return false
}
