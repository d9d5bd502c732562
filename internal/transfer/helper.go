package transfer

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultWebAppURL is the hosted web application that provides the
// collection-browsing helper page and the task activity views.
const DefaultWebAppURL = "https://app.globus.org"

// HelperPageParams configures the hosted browse-collection helper page.
// The helper page POSTs the user's chosen destination back to CallbackURL
// and sends the user to CancelURL when they abandon the flow.
type HelperPageParams struct {
	CallbackURL string
	CancelURL   string
	Label       string
	FolderLimit int
	FileLimit   int
}

// HelperPageURL builds the URL that sends the user to the hosted file
// browser to pick a destination for a transfer.
func HelperPageURL(webApp string, params HelperPageParams) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(webApp), "/")
	if base == "" {
		base = DefaultWebAppURL
	}
	if strings.TrimSpace(params.CallbackURL) == "" {
		return "", fmt.Errorf("helper page callback url is required")
	}
	parsed, err := url.Parse(base + "/file-manager")
	if err != nil {
		return "", fmt.Errorf("parse web app url: %w", err)
	}
	query := parsed.Query()
	query.Set("method", "POST")
	query.Set("action", params.CallbackURL)
	cancel := params.CancelURL
	if cancel == "" {
		cancel = params.CallbackURL
	}
	query.Set("cancelurl", cancel)
	query.Set("folderlimit", strconv.Itoa(params.FolderLimit))
	query.Set("filelimit", strconv.Itoa(params.FileLimit))
	if params.Label != "" {
		query.Set("label", params.Label)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// TaskURL returns the activity page for a submitted transfer task.
func TaskURL(webApp, taskID string) string {
	base := strings.TrimRight(strings.TrimSpace(webApp), "/")
	if base == "" {
		base = DefaultWebAppURL
	}
	return fmt.Sprintf("%s/activity/%s/overview", base, url.PathEscape(taskID))
}

// HelperPageSelection is the destination posted back by the helper page.
type HelperPageSelection struct {
	CollectionID string
	Path         string
	Label        string
}

// ParseHelperPageForm extracts the destination collection and folder from
// the helper page's POST body. The page submits either "path" or the
// indexed "folder[0]" form depending on the folder limit.
func ParseHelperPageForm(form url.Values) (HelperPageSelection, error) {
	selection := HelperPageSelection{
		CollectionID: strings.TrimSpace(form.Get("endpoint_id")),
		Label:        strings.TrimSpace(form.Get("label")),
	}
	if selection.CollectionID == "" {
		return HelperPageSelection{}, fmt.Errorf("helper page form missing endpoint_id")
	}
	selection.Path = strings.TrimSpace(form.Get("path"))
	if folder := strings.TrimSpace(form.Get("folder[0]")); folder != "" {
		selection.Path = strings.TrimRight(selection.Path, "/") + "/" + strings.Trim(folder, "/") + "/"
	}
	if selection.Path == "" {
		return HelperPageSelection{}, fmt.Errorf("helper page form missing destination path")
	}
	if !strings.HasSuffix(selection.Path, "/") {
		selection.Path += "/"
	}
	return selection, nil
}

// ParseManifestURL splits a manifest file URL of the form
// globus://<collection>/<path> or https://<collection>/<path> into its
// collection id and absolute path. Collection ids that arrive with a
// spurious ":" (older manifests) are normalised.
func ParseManifestURL(raw string) (collection, remotePath string, err error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse manifest url: %w", err)
	}
	collection = strings.ReplaceAll(parsed.Host, ":", "")
	remotePath = parsed.Path
	if collection == "" || remotePath == "" {
		return "", "", fmt.Errorf("manifest url %q missing collection or path", raw)
	}
	return collection, remotePath, nil
}
