package portal

import (
	"errors"
	"net/http"
	"sort"

	"github.com/byee4/django-globus-portal-framework/internal/search"
)

type detailContent struct {
	Subject     string
	Fields      []search.Field
	TransferURL string
	PreviewURL  string
}

// Detail renders the metadata record for a single search subject.
func (h *Handler) Detail(w http.ResponseWriter, r *http.Request, index search.IndexConfig, subject string) {
	sess := h.currentSession(r)

	token, err := h.accessToken(r.Context(), sess, ResourceServerSearch)
	if err != nil {
		h.logger().Warn("search token unavailable", "error", err, "index", index.Slug)
	}

	entry, err := h.Search.Subject(r.Context(), index.UUID, subject, token)
	if err != nil {
		h.handleSubjectError(w, r, sess, index, subject, err)
		return
	}

	content := detailContent{
		Subject:     subject,
		Fields:      search.ProcessFields(entry.Content(), index.Fields),
		TransferURL: subjectPageURL(index.Slug, "detail-transfer", subject),
		PreviewURL:  subjectPageURL(index.Slug, "detail-preview", subject),
	}
	h.renderPage(w, r, sess, &index, "detail-overview.html", "Record detail", content)
}

type detailDebugEntry struct {
	Name string
	JSON string
}

type detailDebugContent struct {
	Subject string
	Entries []detailDebugEntry
	Raw     string
}

// SearchDebugDetail shows each top-level metadata value for a subject
// pretty-printed, with the raw record last.
func (h *Handler) SearchDebugDetail(w http.ResponseWriter, r *http.Request, index search.IndexConfig, subject string) {
	sess := h.currentSession(r)

	token, err := h.accessToken(r.Context(), sess, ResourceServerSearch)
	if err != nil {
		h.logger().Warn("search token unavailable", "error", err, "index", index.Slug)
	}

	entry, err := h.Search.Subject(r.Context(), index.UUID, subject, token)
	if err != nil {
		h.handleSubjectError(w, r, sess, index, subject, err)
		return
	}

	merged := entry.Content()
	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	content := detailDebugContent{Subject: subject, Raw: indentJSON(entry)}
	for _, key := range keys {
		content.Entries = append(content.Entries, detailDebugEntry{
			Name: key,
			JSON: indentJSON(merged[key]),
		})
	}
	h.renderPage(w, r, sess, &index, "search-debug-detail.html", "Record debug", content)
}

func (h *Handler) handleSubjectError(w http.ResponseWriter, r *http.Request, sess *session, index search.IndexConfig, subject string, err error) {
	var apiErr *search.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		h.renderError(w, r, sess, http.StatusNotFound, "No record exists for this subject.")
		return
	}
	h.logger().Error("fetch subject failed", "error", err, "index", index.Slug, "subject", subject)
	h.renderError(w, r, sess, http.StatusBadGateway, "The record could not be loaded, please try again.")
}
