package portal

import (
	"encoding/json"
	"net/url"
)

// FlashLevel classifies a flash message for presentation.
type FlashLevel string

const (
	FlashInfo    FlashLevel = "info"
	FlashWarning FlashLevel = "warning"
	FlashError   FlashLevel = "error"
)

// Flash is a one-shot message shown on the next page the user loads.
type Flash struct {
	Level   FlashLevel `json:"level"`
	Message string     `json:"message"`
}

// SavedSearch remembers the user's last search on an index so navigating
// back to the search page restores their query and filters.
type SavedSearch struct {
	Query    string     `json:"query"`
	Filters  url.Values `json:"filters,omitempty"`
	TaskURL  string     `json:"task_url,omitempty"`
	TaskID   string     `json:"task_id,omitempty"`
	Subject  string     `json:"subject,omitempty"`
	LastPage int        `json:"last_page,omitempty"`
}

// SessionState is the per-session portal state carried inside the session
// record: one saved search per index plus pending flash messages.
type SessionState struct {
	Searches map[string]SavedSearch `json:"searches,omitempty"`
	Flashes  []Flash                `json:"flashes,omitempty"`
}

// DecodeState parses the opaque session state payload. A missing or
// corrupt payload yields a fresh state rather than an error so a bad
// session never locks a user out.
func DecodeState(raw []byte) SessionState {
	var state SessionState
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &state)
	}
	if state.Searches == nil {
		state.Searches = make(map[string]SavedSearch)
	}
	return state
}

// Encode serializes the state for storage on the session record.
func (s *SessionState) Encode() []byte {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return raw
}

// AddFlash queues a message for the next rendered page.
func (s *SessionState) AddFlash(level FlashLevel, message string) {
	if message == "" {
		return
	}
	s.Flashes = append(s.Flashes, Flash{Level: level, Message: message})
}

// TakeFlashes returns the queued messages and clears the queue.
func (s *SessionState) TakeFlashes() []Flash {
	flashes := s.Flashes
	s.Flashes = nil
	return flashes
}

// SaveSearch records the user's current search on an index.
func (s *SessionState) SaveSearch(indexSlug string, saved SavedSearch) {
	if s.Searches == nil {
		s.Searches = make(map[string]SavedSearch)
	}
	s.Searches[indexSlug] = saved
}

// Search returns the saved search for an index, if any.
func (s *SessionState) Search(indexSlug string) (SavedSearch, bool) {
	saved, ok := s.Searches[indexSlug]
	return saved, ok
}

// SetTask remembers the most recent transfer task submitted from a detail
// page so revisiting the page can link back to it.
func (s *SessionState) SetTask(indexSlug, subject, taskID, taskURL string) {
	saved := s.Searches[indexSlug]
	saved.Subject = subject
	saved.TaskID = taskID
	saved.TaskURL = taskURL
	s.SaveSearch(indexSlug, saved)
}
