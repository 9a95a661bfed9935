// Package portal serves the configuration form shown while the node runs its
// own access point.
package portal

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"thermonode/internal/bootstrap"
	"thermonode/internal/credentials"
)

const maxFormBytes = 4 << 10

// Submitter accepts a new credential pair. *bootstrap.Device satisfies it.
type Submitter interface {
	Submit(ssid, password string) error
}

type handler struct {
	sub    Submitter
	tmpl   *template.Template
	logger *slog.Logger
}

// NewHandler returns the portal routes:
//
//	GET  /      configuration form
//	POST /save  persist credentials and schedule a restart
func NewHandler(sub Submitter, logger *slog.Logger) (http.Handler, error) {
	tmpl, err := loadTemplates()
	if err != nil {
		return nil, fmt.Errorf("portal templates: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{sub: sub, tmpl: tmpl, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleForm)
	mux.HandleFunc("POST /save", h.handleSave)
	return mux, nil
}

// NewServer wraps the portal handler with request logging.
func NewServer(addr string, h http.Handler, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(logger, h),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (h *handler) handleForm(w http.ResponseWriter, r *http.Request) {
	h.writePage(w, http.StatusOK, "form.html", formData{
		Title:       pageTitle,
		MaxSSID:     credentials.MaxSSID,
		MaxPassword: credentials.MaxPassword,
	})
}

func (h *handler) handleSave(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, "Could not read the submitted form.")
		return
	}
	ssid := r.PostForm.Get("ssid")
	password := r.PostForm.Get("password")

	err := h.sub.Submit(ssid, password)
	switch {
	case err == nil:
		h.logger.Info("portal: credentials accepted", "ssid", ssid)
		h.writePage(w, http.StatusOK, "saved.html", savedData{Title: pageTitle, SSID: credentials.New(ssid, "").SSID})
	case errors.Is(err, bootstrap.ErrEmptySSID):
		h.writeError(w, http.StatusBadRequest, "SSID must not be empty.")
	case errors.Is(err, bootstrap.ErrNotInConfigMode):
		h.writeError(w, http.StatusConflict, "The device is not in configuration mode.")
	default:
		h.logger.Error("portal: save credentials", "error", err)
		h.writeError(w, http.StatusInternalServerError, "The configuration could not be saved. Please try again.")
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writePage(w, status, "error.html", errorData{Title: pageTitle, Message: msg})
}

// writePage renders into a buffer first so a template failure still yields a
// clean 500 instead of a half-written page.
func (h *handler) writePage(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := render(&buf, h.tmpl, name, data); err != nil {
		h.logger.Error("portal: render page", "page", name, "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
