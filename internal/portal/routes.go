package portal

import (
	"net/http"
	"net/url"
	"strings"
)

// Route dispatches portal page requests. Index pages live under the index
// slug:
//
//	/                                      index selection
//	/{index}/                              search
//	/{index}/search-debug                  raw search request/response
//	/{index}/detail/{subject}              record detail
//	/{index}/search-debug-detail/{subject} raw record
//	/{index}/detail-transfer/{subject}     transfer page
//	/{index}/detail-preview/{subject}      file preview
//
// Subjects are percent-encoded path segments, so routing works on the
// escaped path and decodes only the subject.
func (h *Handler) Route(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(r.URL.EscapedPath(), "/")
	if trimmed == "" {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.IndexSelection(w, r)
		return
	}

	segments := strings.SplitN(trimmed, "/", 3)
	index, ok := h.Registry.Get(segments[0])
	if !ok {
		h.NotFound(w, r)
		return
	}

	if len(segments) == 1 {
		h.requireGet(w, r, func() { h.SearchPage(w, r, index) })
		return
	}

	page := segments[1]
	if len(segments) == 2 {
		switch page {
		case "search-debug":
			h.requireGet(w, r, func() { h.SearchDebug(w, r, index) })
		default:
			h.NotFound(w, r)
		}
		return
	}

	subject, err := url.PathUnescape(segments[2])
	if err != nil || subject == "" {
		h.NotFound(w, r)
		return
	}

	switch page {
	case "detail":
		h.requireGet(w, r, func() { h.Detail(w, r, index, subject) })
	case "search-debug-detail":
		h.requireGet(w, r, func() { h.SearchDebugDetail(w, r, index, subject) })
	case "detail-transfer":
		h.DetailTransfer(w, r, index, subject)
	case "detail-preview":
		h.requireGet(w, r, func() { h.DetailPreview(w, r, index, subject) })
	default:
		h.NotFound(w, r)
	}
}

func (h *Handler) requireGet(w http.ResponseWriter, r *http.Request, serve func()) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serve()
}

// subjectPageURL builds the portal path for a subject page.
func subjectPageURL(indexSlug, page, subject string) string {
	return "/" + indexSlug + "/" + page + "/" + url.PathEscape(subject)
}
