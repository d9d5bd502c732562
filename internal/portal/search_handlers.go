package portal

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/byee4/django-globus-portal-framework/internal/search"
)

// defaultQuery matches everything so a bare search page shows results.
const defaultQuery = "*"

const searchErrorMessage = "There was an error in your search, please try a different search."

// IndexSelection lists the configured search indexes.
func (h *Handler) IndexSelection(w http.ResponseWriter, r *http.Request) {
	sess := h.currentSession(r)
	view := struct {
		Indexes []search.IndexConfig
	}{Indexes: h.Registry.All()}
	h.renderPage(w, r, sess, nil, "index-selection.html", "Select an index", view)
}

type resultView struct {
	Subject   string
	DetailURL string
	Fields    []search.Field
}

type pageLink struct {
	Number  int
	Current bool
	Query   string
}

type searchContent struct {
	Query    string
	Results  []resultView
	Facets   []search.Facet
	Pages    []pageLink
	PrevPage string
	NextPage string
	Total    int
	Offset   int
	DebugURL string
}

// SearchPage runs a search against the index and renders results, facets,
// and pagination. A request without search parameters replays the user's
// previous search on this index from their session.
func (h *Handler) SearchPage(w http.ResponseWriter, r *http.Request, index search.IndexConfig) {
	sess := h.currentSession(r)
	params := r.URL.Query()

	saved, hasSaved := sess.state.Search(index.Slug)
	explicit := hasSearchParams(params)
	if !explicit && hasSaved && len(saved.Filters) > 0 {
		params = saved.Filters
	}

	query := search.ParseQuery(params, saved.Query)
	filters := search.ParseFilters(params, index.DefaultFilterBehavior())
	page := search.ParsePage(params)
	offset := search.Offset(page, index.ResultsPerPage, index.MaxPages)

	effectiveQuery := query
	if effectiveQuery == "" {
		effectiveQuery = defaultQuery
	}

	token, err := h.accessToken(r.Context(), sess, ResourceServerSearch)
	if err != nil {
		h.logger().Warn("search token unavailable", "error", err, "index", index.Slug)
	}

	content := searchContent{
		Query:    query,
		Offset:   offset,
		DebugURL: "/" + index.Slug + "/search-debug?" + params.Encode(),
	}

	raw, err := h.Search.Search(r.Context(), index.UUID, search.Request{
		Q:       effectiveQuery,
		Limit:   index.ResultsPerPage,
		Offset:  offset,
		Filters: filters,
		Facets:  index.Facets,
	}, token)
	if err != nil {
		h.logger().Error("search failed", "error", err, "index", index.Slug, "query", effectiveQuery)
		h.metrics().ObserveSearch(index.Slug, "error")
		sess.state.AddFlash(FlashError, searchErrorMessage)
	} else {
		h.metrics().ObserveSearch(index.Slug, "ok")
		for _, result := range search.ProcessResults(raw, index.Fields) {
			content.Results = append(content.Results, resultView{
				Subject:   result.Subject,
				DetailURL: subjectPageURL(index.Slug, "detail", result.Subject),
				Fields:    result.Fields,
			})
		}
		content.Facets = search.ProcessFacets(raw, index.Facets, filters, params)
		pagination := search.Paginate(raw.Total, offset, index.ResultsPerPage, index.MaxPages)
		for _, pg := range pagination.Pages {
			content.Pages = append(content.Pages, pageLink{
				Number:  pg.Number,
				Current: pg.Current,
				Query:   pageQuery(params, pg.Number),
			})
		}
		if pagination.HasPrev {
			content.PrevPage = pageQuery(params, pagination.CurrentPage-1)
		}
		if pagination.HasNext {
			content.NextPage = pageQuery(params, pagination.CurrentPage+1)
		}
		content.Total = raw.Total
	}

	if explicit {
		sess.state.SaveSearch(index.Slug, SavedSearch{
			Query:    query,
			Filters:  copyValues(params),
			LastPage: page,
		})
		h.saveState(w, r, sess)
	}

	h.renderPage(w, r, sess, &index, "search.html", index.DisplayName(), content)
}

type searchDebugContent struct {
	Request  string
	Results  []resultView
	Response string
	Error    string
}

// SearchDebug shows the raw request sent to the search service, the
// processed results, and the raw response, for portal administrators
// tuning an index.
func (h *Handler) SearchDebug(w http.ResponseWriter, r *http.Request, index search.IndexConfig) {
	sess := h.currentSession(r)
	params := r.URL.Query()

	query := search.ParseQuery(params, "")
	if query == "" {
		query = defaultQuery
	}
	req := search.Request{
		Q:       query,
		Limit:   index.ResultsPerPage,
		Offset:  search.Offset(search.ParsePage(params), index.ResultsPerPage, index.MaxPages),
		Filters: search.ParseFilters(params, index.DefaultFilterBehavior()),
		Facets:  index.Facets,
	}

	content := searchDebugContent{Request: indentJSON(req)}

	token, err := h.accessToken(r.Context(), sess, ResourceServerSearch)
	if err != nil {
		h.logger().Warn("search token unavailable", "error", err, "index", index.Slug)
	}
	raw, err := h.Search.Search(r.Context(), index.UUID, req, token)
	if err != nil {
		content.Error = err.Error()
	} else {
		for _, result := range search.ProcessResults(raw, index.Fields) {
			content.Results = append(content.Results, resultView{
				Subject:   result.Subject,
				DetailURL: subjectPageURL(index.Slug, "search-debug-detail", result.Subject),
				Fields:    result.Fields,
			})
		}
		content.Response = indentJSON(raw)
	}

	h.renderPage(w, r, sess, &index, "search-debug.html", "Search debug", content)
}

func hasSearchParams(params url.Values) bool {
	if params.Has("q") || params.Has("page") {
		return true
	}
	for key := range params {
		if strings.HasPrefix(key, "filter.") || strings.HasPrefix(key, "filter-") {
			return true
		}
	}
	return false
}

func copyValues(params url.Values) url.Values {
	copied := make(url.Values, len(params))
	for key, values := range params {
		copied[key] = append([]string(nil), values...)
	}
	return copied
}

// pageQuery rebuilds the current query string pointing at another page.
func pageQuery(params url.Values, page int) string {
	copied := copyValues(params)
	copied.Set("page", strconv.Itoa(page))
	return copied.Encode()
}

func indentJSON(value any) string {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(raw)
}
