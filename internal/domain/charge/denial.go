package charge

import "sort"

// Category groups denial reasons by the kind of corrective work they need.
type Category string

const (
	CategoryDocumentation    Category = "Documentation"
	CategoryMedicalNecessity Category = "Medical Necessity"
	CategoryDuplicate        Category = "Duplicate"
	CategoryCodingError      Category = "Coding Error"
	CategoryCoverageLimit    Category = "Coverage Limit"
	CategoryTechnical        Category = "Technical"
	CategoryCorrection       Category = "Correction"
)

// Reason is one entry of the payer denial taxonomy.
type Reason struct {
	Code              string   `json:"code"`
	Text              string   `json:"text"`
	Category          Category `json:"category"`
	RecommendedAction string   `json:"recommended_action"`
}

// Reason codes follow the CARC group/code convention used on remittance advice.
const (
	ReasonMissingDocumentation = "CO-16"
	ReasonMedicalNecessity     = "CO-50"
	ReasonDuplicate            = "CO-18"
	ReasonCodingError          = "CO-11"
	ReasonCoverageLimit        = "CO-119"
)

var taxonomy = map[string]Reason{
	ReasonMissingDocumentation: {
		Code:              ReasonMissingDocumentation,
		Text:              "Missing or incomplete documentation",
		Category:          CategoryDocumentation,
		RecommendedAction: "Attach required documentation and resubmit",
	},
	ReasonMedicalNecessity: {
		Code:              ReasonMedicalNecessity,
		Text:              "Service not deemed medically necessary",
		Category:          CategoryMedicalNecessity,
		RecommendedAction: "Submit medical necessity justification or appeal",
	},
	ReasonDuplicate: {
		Code:              ReasonDuplicate,
		Text:              "Duplicate claim or service",
		Category:          CategoryDuplicate,
		RecommendedAction: "Verify original claim status before resubmitting",
	},
	ReasonCodingError: {
		Code:              ReasonCodingError,
		Text:              "Diagnosis inconsistent with procedure",
		Category:          CategoryCodingError,
		RecommendedAction: "Correct diagnosis/procedure coding and resubmit",
	},
	ReasonCoverageLimit: {
		Code:              ReasonCoverageLimit,
		Text:              "Benefit maximum for period reached",
		Category:          CategoryCoverageLimit,
		RecommendedAction: "Verify coverage limits and bill secondary payer or patient",
	},
}

// LookupReason returns the taxonomy entry for a reason code.
func LookupReason(code string) (Reason, bool) {
	r, ok := taxonomy[code]
	return r, ok
}

// ReasonCodes returns all known reason codes in a stable order.
func ReasonCodes() []string {
	codes := make([]string, 0, len(taxonomy))
	for code := range taxonomy {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
