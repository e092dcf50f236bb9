package domain

// Step is one entry of the ordered form step list. Steps are loaded from
// config at startup and never mutated.
type Step struct {
	ID     int      `json:"id"`
	Title  string   `json:"title"`
	Fields []string `json:"fields"`
}

type FormSession struct {
	ID               string  `json:"id"`
	FormID           string  `json:"form_id"`
	CurrentStep      int     `json:"current_step"`
	HighestCompleted int     `json:"highest_completed_step"`
	SubmitAttempted  bool    `json:"submit_attempted"`
	Status           string  `json:"status" enum:"open,confirmed"`
	TransitionUntil  *string `json:"transition_until,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type FormDraft struct {
	SessionID string            `json:"session_id"`
	Fields    map[string]string `json:"fields"`
	SavedAt   string            `json:"saved_at" format:"date-time"`
}

type Address struct {
	Street     string `json:"street"`
	PostalCode string `json:"postal_code"`
	City       string `json:"city"`
}

// SearchResult is one company returned by the registry lookup. Immutable
// once returned; callers copy fields into the draft on selection.
type SearchResult struct {
	LegalID      string  `json:"legal_id"`
	TaxID        string  `json:"tax_id"`
	LegalName    string  `json:"legal_name"`
	ActivityCode string  `json:"activity_code,omitempty"`
	VATNumber    string  `json:"vat_number,omitempty"`
	Address      Address `json:"address"`
}

type Submission struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	DocumentBytes int64  `json:"document_bytes"`
	PayloadBytes  int64  `json:"payload_bytes"`
	Compressed    bool   `json:"compressed"`
	MailDelivered bool   `json:"mail_delivered"`
	MailError     string `json:"mail_error,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
