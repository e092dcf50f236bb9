package lookup

import "formline/internal/domain"

// Selection is the cursor over an open result list. The cursor clamps to
// [0, len-1] without wraparound; -1 means nothing highlighted. Selecting
// does not mutate form state; callers copy the chosen result's fields into
// the draft themselves.
type Selection struct {
	Results []domain.SearchResult
	Index   int
	Open    bool
}

func NewSelection(results []domain.SearchResult) Selection {
	return Selection{Results: results, Index: -1, Open: len(results) > 0}
}

func (s *Selection) MoveDown() {
	if len(s.Results) == 0 {
		return
	}
	if s.Index < len(s.Results)-1 {
		s.Index++
	}
}

func (s *Selection) MoveUp() {
	if len(s.Results) == 0 {
		return
	}
	if s.Index > 0 {
		s.Index--
	} else if s.Index < 0 {
		s.Index = 0
	}
}

// Select returns the highlighted result, closing the list. The second value
// is false when no valid entry is highlighted.
func (s *Selection) Select() (domain.SearchResult, bool) {
	if s.Index < 0 || s.Index >= len(s.Results) {
		return domain.SearchResult{}, false
	}
	r := s.Results[s.Index]
	s.Open = false
	return r, true
}

// Escape closes the list and resets the cursor without touching the query.
func (s *Selection) Escape() {
	s.Open = false
	s.Index = -1
}

// DraftFields maps a selected result onto form field values.
func DraftFields(r domain.SearchResult) map[string]string {
	return map[string]string{
		"companyName": r.LegalName,
		"siret":       r.LegalID,
		"vatNumber":   r.VATNumber,
		"street":      r.Address.Street,
		"postalCode":  r.Address.PostalCode,
		"city":        r.Address.City,
	}
}
