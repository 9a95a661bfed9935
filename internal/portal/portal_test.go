package portal

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"testing/fstest"

	"thermonode/internal/bootstrap"
)

type fakeSubmitter struct {
	err      error
	calls    int
	ssid, pw string
}

func (f *fakeSubmitter) Submit(ssid, password string) error {
	f.calls++
	f.ssid, f.pw = ssid, password
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, sub Submitter) http.Handler {
	t.Helper()
	h, err := NewHandler(sub, discardLogger())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func postForm(h http.Handler, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/save", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestForm(t *testing.T) {
	h := newTestHandler(t, &fakeSubmitter{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q; want text/html", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{`action="/save"`, `name="ssid"`, `name="password"`, `method="POST"`} {
		if !strings.Contains(body, want) {
			t.Errorf("form missing %s", want)
		}
	}
}

func TestSave(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		submitErr  error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "accepted",
			form:       url.Values{"ssid": {"MyNet"}, "password": {"pass1234"}},
			wantStatus: http.StatusOK,
			wantBody:   "Configuration saved",
		},
		{
			name:       "empty ssid",
			form:       url.Values{"ssid": {""}, "password": {"whatever"}},
			submitErr:  bootstrap.ErrEmptySSID,
			wantStatus: http.StatusBadRequest,
			wantBody:   "SSID must not be empty",
		},
		{
			name:       "missing ssid field",
			form:       url.Values{"password": {"x"}},
			submitErr:  bootstrap.ErrEmptySSID,
			wantStatus: http.StatusBadRequest,
			wantBody:   "SSID must not be empty",
		},
		{
			name:       "commit failure",
			form:       url.Values{"ssid": {"MyNet"}},
			submitErr:  errors.New("commit credentials: disk full"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "could not be saved",
		},
		{
			name:       "not in config mode",
			form:       url.Values{"ssid": {"MyNet"}},
			submitErr:  bootstrap.ErrNotInConfigMode,
			wantStatus: http.StatusConflict,
			wantBody:   "not in configuration mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tt.submitErr}
			rec := postForm(newTestHandler(t, sub), tt.form)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d; want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q; want it to contain %q", rec.Body.String(), tt.wantBody)
			}
			if sub.calls != 1 {
				t.Errorf("Submit called %d times; want 1", sub.calls)
			}
			if sub.ssid != tt.form.Get("ssid") || sub.pw != tt.form.Get("password") {
				t.Errorf("Submit(%q, %q); want (%q, %q)", sub.ssid, sub.pw, tt.form.Get("ssid"), tt.form.Get("password"))
			}
		})
	}
}

func TestSave_EscapesSSID(t *testing.T) {
	rec := postForm(newTestHandler(t, &fakeSubmitter{}), url.Values{"ssid": {"<script>x</script>"}})
	if strings.Contains(rec.Body.String(), "<script>") {
		t.Errorf("ssid rendered unescaped: %s", rec.Body.String())
	}
}

func TestRoutes(t *testing.T) {
	h := newTestHandler(t, &fakeSubmitter{})
	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/save", http.StatusMethodNotAllowed},
		{http.MethodPost, "/", http.StatusMethodNotAllowed},
		{http.MethodGet, "/admin", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d; want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLoadTemplates_failure(t *testing.T) {
	if _, err := loadTemplatesFromFS(fstest.MapFS{}, "templates"); err == nil {
		t.Error("empty fs: err = nil; want error")
	}
	bad := fstest.MapFS{"templates/form.html": {Data: []byte("{{ .")}}
	if _, err := loadTemplatesFromFS(bad, "templates"); err == nil {
		t.Error("bad template: err = nil; want error")
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	srv := NewServer(":0", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), logger)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	out := buf.String()
	for _, want := range []string{"http request", "method=GET", "path=/x", "status=418"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
}
