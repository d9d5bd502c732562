package portal

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/byee4/django-globus-portal-framework/internal/search"
	"github.com/byee4/django-globus-portal-framework/internal/transfer"
)

// existenceCheckConcurrency caps parallel listing calls against the
// transfer service when verifying a manifest.
const existenceCheckConcurrency = 4

// ManifestFile is one file from a subject's remote file manifest.
type ManifestFile struct {
	URL        string
	Filename   string
	Length     int64
	Collection string
	Path       string

	// Checked reports whether existence was verified; Available is only
	// meaningful when Checked is true.
	Checked   bool
	Available bool
}

type transferContent struct {
	Subject       string
	Files         []ManifestFile
	HelperPageURL string
	TaskID        string
	TaskURL       string
	LoginURL      string
	Error         string
}

// DetailTransfer renders the transfer page for a subject on GET and
// submits a transfer of the subject's manifest to the destination chosen
// on the helper page on POST.
func (h *Handler) DetailTransfer(w http.ResponseWriter, r *http.Request, index search.IndexConfig, subject string) {
	switch r.Method {
	case http.MethodGet:
		h.detailTransferPage(w, r, index, subject)
	case http.MethodPost:
		h.submitTransfer(w, r, index, subject)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) detailTransferPage(w http.ResponseWriter, r *http.Request, index search.IndexConfig, subject string) {
	sess := h.currentSession(r)

	files, ok := h.loadManifest(w, r, sess, index, subject)
	if !ok {
		return
	}

	token, err := h.accessToken(r.Context(), sess, ResourceServerTransfer)
	if err != nil {
		h.logger().Warn("transfer token unavailable", "error", err, "index", index.Slug)
	}
	var checkError string
	if token != "" {
		if err := h.checkManifest(r.Context(), token, files); err != nil {
			var apiErr *transfer.APIError
			if errors.As(err, &apiErr) && apiErr.TokenInactive() {
				h.logger().Info("transfer token inactive, forcing re-login", "user_id", sess.user.ID)
				h.redirectToLogin(w, r)
				return
			}
			h.logger().Error("manifest check failed", "error", err, "subject", subject)
			h.metrics().ObserveTransfer("check_failed")
			checkError = "The transfer service could not verify this record's files."
		} else {
			h.metrics().ObserveTransfer("manifest_checked")
		}
	}

	pagePath := subjectPageURL(index.Slug, "detail-transfer", subject)
	helperURL, err := transfer.HelperPageURL(h.WebAppURL, transfer.HelperPageParams{
		CallbackURL: absoluteURL(r, pagePath),
		Label:       "Select a destination for " + index.DisplayName(),
		FolderLimit: 1,
		FileLimit:   0,
	})
	if err != nil {
		h.logger().Error("build helper page url failed", "error", err)
	}

	content := transferContent{
		Subject:       subject,
		Files:         files,
		HelperPageURL: helperURL,
		Error:         checkError,
	}
	if !sess.loggedIn {
		content.LoginURL = loginURL(pagePath)
	}
	if saved, ok := sess.state.Search(index.Slug); ok && saved.Subject == subject {
		content.TaskID = saved.TaskID
		content.TaskURL = saved.TaskURL
	}

	h.renderPage(w, r, sess, &index, "detail-transfer.html", "Transfer files", content)
}

func (h *Handler) submitTransfer(w http.ResponseWriter, r *http.Request, index search.IndexConfig, subject string) {
	sess := h.currentSession(r)
	if !sess.loggedIn {
		h.redirectToLogin(w, r)
		return
	}
	pagePath := subjectPageURL(index.Slug, "detail-transfer", subject)

	if err := r.ParseForm(); err != nil {
		h.renderError(w, r, sess, http.StatusBadRequest, "The transfer form could not be read.")
		return
	}
	selection, err := transfer.ParseHelperPageForm(r.Form)
	if err != nil {
		h.logger().Warn("invalid helper page form", "error", err)
		sess.state.AddFlash(FlashError, "No destination was selected, please choose one and try again.")
		h.saveState(w, r, sess)
		http.Redirect(w, r, pagePath, http.StatusSeeOther)
		return
	}

	files, ok := h.loadManifest(w, r, sess, index, subject)
	if !ok {
		return
	}
	if len(files) == 0 {
		sess.state.AddFlash(FlashWarning, "This record has no files to transfer.")
		h.saveState(w, r, sess)
		http.Redirect(w, r, pagePath, http.StatusSeeOther)
		return
	}

	params, err := buildTransferParams(files, selection, index.DisplayName())
	if err != nil {
		h.logger().Error("build transfer failed", "error", err, "subject", subject)
		h.renderError(w, r, sess, http.StatusBadGateway, "The file manifest for this record is invalid.")
		return
	}

	token, err := h.accessToken(r.Context(), sess, ResourceServerTransfer)
	if err != nil || token == "" {
		h.logger().Warn("transfer token unavailable", "error", err)
		h.redirectToLogin(w, r)
		return
	}

	task, err := h.Transfer.Submit(r.Context(), token, params)
	if err != nil {
		var apiErr *transfer.APIError
		if errors.As(err, &apiErr) && apiErr.TokenInactive() {
			// The user's transfer token was revoked or timed out upstream;
			// a fresh login mints a new one.
			h.logger().Info("transfer token inactive, forcing re-login", "user_id", sess.user.ID)
			h.redirectToLogin(w, r)
			return
		}
		h.logger().Error("transfer submission failed", "error", err, "subject", subject)
		h.metrics().ObserveTransfer("failed")
		sess.state.AddFlash(FlashError, "The transfer could not be submitted, please try again.")
		h.saveState(w, r, sess)
		http.Redirect(w, r, pagePath, http.StatusSeeOther)
		return
	}

	h.metrics().ObserveTransfer("submitted")
	h.logger().Info("transfer submitted",
		"task_id", task.TaskID,
		"user_id", sess.user.ID,
		"destination", selection.CollectionID)

	sess.state.SetTask(index.Slug, subject, task.TaskID, transfer.TaskURL(h.WebAppURL, task.TaskID))
	sess.state.AddFlash(FlashInfo, "Transfer submitted.")
	h.saveState(w, r, sess)
	http.Redirect(w, r, pagePath, http.StatusSeeOther)
}

// loadManifest fetches the subject and parses its remote file manifest.
// It renders an error page and returns false when the subject cannot be
// loaded.
func (h *Handler) loadManifest(w http.ResponseWriter, r *http.Request, sess *session, index search.IndexConfig, subject string) ([]ManifestFile, bool) {
	token, err := h.accessToken(r.Context(), sess, ResourceServerSearch)
	if err != nil {
		h.logger().Warn("search token unavailable", "error", err, "index", index.Slug)
	}
	entry, err := h.Search.Subject(r.Context(), index.UUID, subject, token)
	if err != nil {
		h.handleSubjectError(w, r, sess, index, subject, err)
		return nil, false
	}
	return ParseManifest(entry.Content()), true
}

// ParseManifest extracts the remote file manifest from a subject's
// metadata. Entries that cannot be interpreted are skipped.
func ParseManifest(content map[string]any) []ManifestFile {
	raw, ok := content["remote_file_manifest"].([]any)
	if !ok {
		return nil
	}
	files := make([]ManifestFile, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		file := ManifestFile{
			URL:      stringValue(entry["url"]),
			Filename: stringValue(entry["filename"]),
		}
		if file.URL == "" {
			continue
		}
		if length, ok := entry["length"].(float64); ok {
			file.Length = int64(length)
		}
		collection, remotePath, err := transfer.ParseManifestURL(file.URL)
		if err != nil {
			continue
		}
		file.Collection = collection
		file.Path = remotePath
		if file.Filename == "" {
			file.Filename = path.Base(remotePath)
		}
		files = append(files, file)
	}
	return files
}

// checkManifest verifies each manifest file exists on its collection,
// querying the transfer service concurrently. The first API failure stops
// the remaining checks and is returned; files it did not reach stay
// unchecked.
func (h *Handler) checkManifest(ctx context.Context, token string, files []ManifestFile) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(existenceCheckConcurrency)
	for i := range files {
		file := &files[i]
		group.Go(func() error {
			err := h.Transfer.Exists(ctx, token, file.Collection, file.Path)
			switch {
			case err == nil:
				file.Checked = true
				file.Available = true
			case errors.Is(err, transfer.ErrNotFound):
				file.Checked = true
				file.Available = false
			default:
				return err
			}
			return nil
		})
	}
	return group.Wait()
}

func buildTransferParams(files []ManifestFile, selection transfer.HelperPageSelection, label string) (transfer.TransferParams, error) {
	params := transfer.TransferParams{
		DestinationCollection: selection.CollectionID,
		Label:                 label,
	}
	for _, file := range files {
		if params.SourceCollection == "" {
			params.SourceCollection = file.Collection
		}
		if file.Collection != params.SourceCollection {
			return transfer.TransferParams{}, errors.New("manifest spans multiple source collections")
		}
		params.Items = append(params.Items, transfer.Item{
			DataType:        "transfer_item",
			SourcePath:      file.Path,
			DestinationPath: selection.Path + file.Filename,
		})
	}
	return params, nil
}

func stringValue(value any) string {
	s, _ := value.(string)
	return strings.TrimSpace(s)
}

func absoluteURL(r *http.Request, pagePath string) string {
	scheme := "http"
	if isSecureRequest(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host + pagePath
}
