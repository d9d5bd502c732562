package portal

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/byee4/django-globus-portal-framework/internal/preview"
	"github.com/byee4/django-globus-portal-framework/internal/search"
)

type previewContent struct {
	Subject   string
	URL       string
	Text      string
	Truncated bool
	Error     string
	LoginURL  string
}

// DetailPreview fetches the first chunk of a subject's file over HTTPS and
// renders it inline. The source is either built from the "endpoint" and
// "url_path" query parameters or taken from the subject's file manifest;
// the optional "scope" parameter names the token guarding the remote
// server.
func (h *Handler) DetailPreview(w http.ResponseWriter, r *http.Request, index search.IndexConfig, subject string) {
	sess := h.currentSession(r)
	query := r.URL.Query()

	previewURL, err := h.resolvePreviewURL(r, sess, index, subject, query)
	if err != nil {
		h.renderPreviewError(w, r, sess, index, subject, err)
		return
	}

	token := h.previewToken(r, sess, query.Get("scope"))
	data, err := h.Preview.Fetch(r.Context(), previewURL, token)
	if err != nil {
		h.renderPreviewError(w, r, sess, index, subject, err)
		return
	}

	h.metrics().ObservePreview("rendered")
	content := previewContent{
		Subject:   subject,
		URL:       previewURL,
		Text:      data.Text,
		Truncated: data.Truncated,
	}
	h.renderPage(w, r, sess, &index, "detail-preview.html", "File preview", content)
}

// resolvePreviewURL builds the remote file URL from the query parameters,
// falling back to the first manifest entry on the subject.
func (h *Handler) resolvePreviewURL(r *http.Request, sess *session, index search.IndexConfig, subject string, query url.Values) (string, error) {
	endpoint := strings.TrimSpace(query.Get("endpoint"))
	urlPath := strings.TrimSpace(query.Get("url_path"))
	if endpoint != "" && urlPath != "" {
		return "https://" + strings.TrimSuffix(endpoint, "/") + "/" + strings.TrimPrefix(urlPath, "/"), nil
	}

	token, err := h.accessToken(r.Context(), sess, ResourceServerSearch)
	if err != nil {
		h.logger().Warn("search token unavailable", "error", err, "index", index.Slug)
	}
	entry, err := h.Search.Subject(r.Context(), index.UUID, subject, token)
	if err != nil {
		return "", err
	}
	for _, file := range ParseManifest(entry.Content()) {
		if strings.HasPrefix(file.URL, "https://") {
			return file.URL, nil
		}
	}
	return "", preview.NewURLNotFoundError(subject)
}

// previewToken picks the bearer token for the preview fetch: the one
// matching the requested scope when given, otherwise the transfer token.
func (h *Handler) previewToken(r *http.Request, sess *session, scope string) string {
	if tok, ok := h.tokenForScope(sess, scope); ok {
		return tok.AccessToken
	}
	token, err := h.accessToken(r.Context(), sess, ResourceServerTransfer)
	if err != nil {
		h.logger().Warn("transfer token unavailable for preview", "error", err)
	}
	return token
}

func (h *Handler) renderPreviewError(w http.ResponseWriter, r *http.Request, sess *session, index search.IndexConfig, subject string, err error) {
	var previewErr *preview.Error
	if !errors.As(err, &previewErr) {
		h.handleSubjectError(w, r, sess, index, subject, err)
		return
	}

	h.metrics().ObservePreview(previewErr.Code)
	if previewErr.ServerSide() {
		h.logger().Error("preview fetch failed", "error", err, "subject", subject, "code", previewErr.Code)
	} else {
		h.logger().Debug("preview unavailable", "subject", subject, "code", previewErr.Code)
	}

	content := previewContent{
		Subject: subject,
		Error:   previewUserMessage(previewErr),
	}
	if previewErr.Code == preview.CodePermissionDenied && !sess.loggedIn {
		content.LoginURL = loginURL(subjectPageURL(index.Slug, "detail-preview", subject))
	}
	h.renderPage(w, r, sess, &index, "detail-preview.html", "File preview", content)
}

func previewUserMessage(err *preview.Error) string {
	switch err.Code {
	case preview.CodeURLNotFound:
		return "No preview URL is configured for this record."
	case preview.CodeBinaryData:
		return "This file contains binary data and cannot be shown inline."
	case preview.CodeTooLarge:
		return "This file is too large to preview."
	case preview.CodePermissionDenied:
		return "You do not have permission to view this file."
	case preview.CodeNotFound:
		return "The file could not be found on the remote server."
	case preview.CodeServerError:
		return "The remote server reported an error, please try again later."
	default:
		return "The preview could not be loaded, please try again later."
	}
}
