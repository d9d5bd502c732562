package portal

import (
	"net/http"

	"github.com/byee4/django-globus-portal-framework/internal/search"
)

// View is the data envelope handed to every page template.
type View struct {
	Title    string
	LoggedIn bool
	Username string
	Index    *search.IndexConfig
	Indexes  []search.IndexConfig
	Flashes  []Flash
	Content  any
}

// renderPage renders a page inside the base layout, draining any queued
// flash messages into it.
func (h *Handler) renderPage(w http.ResponseWriter, r *http.Request, sess *session, index *search.IndexConfig, name, title string, content any) {
	view := View{
		Title:    title,
		LoggedIn: sess.loggedIn,
		Username: sess.user.Username,
		Index:    index,
		Content:  content,
	}
	if flashes := sess.state.TakeFlashes(); len(flashes) > 0 {
		view.Flashes = flashes
		h.saveState(w, r, sess)
	}
	templateDir := ""
	if index != nil {
		templateDir = index.TemplateDir
	}
	if err := h.Templates.Render(w, templateDir, name, view); err != nil {
		h.logger().Error("template render failed", "error", err, "template", name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

type errorContent struct {
	Status  int
	Message string
}

// renderError renders the shared error page with the given status code.
func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, sess *session, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	view := View{
		Title:    http.StatusText(status),
		LoggedIn: sess.loggedIn,
		Username: sess.user.Username,
		Content:  errorContent{Status: status, Message: message},
	}
	if err := h.Templates.Render(w, "", "error.html", view); err != nil {
		h.logger().Error("error page render failed", "error", err)
	}
}

// NotFound renders the shared 404 page.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	sess := h.currentSession(r)
	h.renderError(w, r, sess, http.StatusNotFound, "The page you requested does not exist.")
}
