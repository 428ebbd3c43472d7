package collector

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/invigilator/internal/clock"
)

const testToken = "ws-token"

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type failingRepository struct{ MemoryRepository }

func (*failingRepository) Insert(context.Context, *Record) error {
	return errors.New("database is read-only")
}

type serverHarness struct {
	server *Server
	store  *Store
	repo   *MemoryRepository
	pub    *recordingPublisher
	clock  *clock.FakeClock
}

func newServerHarness(t *testing.T) *serverHarness {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	h := &serverHarness{
		store: store,
		repo:  NewMemoryRepository(),
		pub:   &recordingPublisher{},
		clock: clock.Fake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)),
	}
	h.server = NewServer(ServerConfig{
		Token:      testToken,
		Store:      store,
		Repository: h.repo,
		Publisher:  h.pub,
		Clock:      h.clock,
	})
	return h
}

func screenshotForm(t *testing.T, quizID string) url.Values {
	return url.Values{
		"wstoken":            {testToken},
		"wsfunction":         {FunctionSendScreenshot},
		"moodlewsrestformat": {"json"},
		"courseid":           {"2"},
		"cmid":               {"41"},
		"quizid":             {quizID},
		"screenshot":         {dataURLPrefix + base64.StdEncoding.EncodeToString(pngBytes(t, 128, 72))},
	}
}

func post(t *testing.T, h http.Handler, form url.Values) (*httptest.ResponseRecorder, reply) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, RESTPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var r reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	return rec, r
}

func TestServerStoresScreenshot(t *testing.T) {
	h := newServerHarness(t)

	rec, r := post(t, h.server, screenshotForm(t, "7"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, r.Exception.Exception)
	assert.Empty(t, r.Warnings)
	assert.Equal(t, int64(1), r.ScreenshotID)

	recs, err := h.repo.ListByQuiz(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	got := recs[0]
	assert.Equal(t, int64(2), got.CourseID)
	assert.Equal(t, int64(41), got.ModuleID)
	assert.Equal(t, 128, got.Width)
	assert.Equal(t, 72, got.Height)
	assert.Equal(t, h.clock.Now(), got.ReceivedAt)
	assert.True(t, strings.HasPrefix(got.Path, "2/7/"))

	f, err := h.store.Open(got.Path)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.DecodeConfig(f)
	require.NoError(t, err)

	require.Len(t, h.pub.events, 1)
	ev := h.pub.events[0]
	assert.Equal(t, EventScreenshotCaptured, ev.Type)
	assert.Equal(t, int64(1), ev.ScreenshotID)
	assert.Equal(t, got.Path, ev.Path)
}

func TestServerRejectsBadToken(t *testing.T) {
	h := newServerHarness(t)
	form := screenshotForm(t, "7")
	form.Set("wstoken", "nope")

	_, r := post(t, h.server, form)
	assert.Equal(t, "invalidtoken", r.ErrorCode)

	recs, _ := h.repo.ListByQuiz(context.Background(), 7)
	assert.Empty(t, recs)
}

func TestServerRejectsUnknownFunction(t *testing.T) {
	h := newServerHarness(t)
	form := screenshotForm(t, "7")
	form.Set("wsfunction", "core_webservice_get_site_info")

	_, r := post(t, h.server, form)
	assert.Equal(t, "invalidrecord", r.ErrorCode)
}

func TestServerReportsValidationWarnings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(url.Values)
		code   string
	}{
		{"missing quiz", func(f url.Values) { f.Del("quizid") }, "invalidid"},
		{"negative course", func(f url.Values) { f.Set("courseid", "-3") }, "invalidid"},
		{"jpeg data url", func(f url.Values) { f.Set("screenshot", "data:image/jpeg;base64,AAAA") }, "invalidimage"},
		{"bad base64", func(f url.Values) { f.Set("screenshot", dataURLPrefix+"!!!") }, "invalidimage"},
		{"not a png", func(f url.Values) {
			f.Set("screenshot", dataURLPrefix+base64.StdEncoding.EncodeToString([]byte("GIF89a")))
		}, "invalidimage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServerHarness(t)
			form := screenshotForm(t, "7")
			tt.mutate(form)

			rec, r := post(t, h.server, form)
			assert.Equal(t, http.StatusOK, rec.Code)
			require.NotEmpty(t, r.Warnings)
			assert.Equal(t, tt.code, r.Warnings[0].WarningCode)
			assert.Zero(t, r.ScreenshotID)
			assert.Empty(t, h.pub.events)
		})
	}
}

func TestServerPublishFailureStillStores(t *testing.T) {
	h := newServerHarness(t)
	h.pub.err = errors.New("broker unreachable")

	_, r := post(t, h.server, screenshotForm(t, "7"))
	assert.Equal(t, int64(1), r.ScreenshotID)
	assert.Empty(t, r.Warnings)
}

func TestServerRepositoryFailureRemovesFile(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	srv := NewServer(ServerConfig{Token: testToken, Store: store, Repository: &failingRepository{}})

	rec, r := post(t, srv, screenshotForm(t, "7"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "storagefailed", r.ErrorCode)

	entries, err := filepath.Glob(filepath.Join(root, "2", "7", "*.png"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchive(t *testing.T) {
	h := newServerHarness(t)
	post(t, h.server, screenshotForm(t, "7"))
	h.clock.Advance(30 * time.Second)
	post(t, h.server, screenshotForm(t, "7"))
	post(t, h.server, screenshotForm(t, "8"))

	req := httptest.NewRequest(http.MethodGet, "/v1/quizzes/7/archive", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hdr.Name, "2/7/"), hdr.Name)
		names = append(names, hdr.Name)
	}
	assert.Len(t, names, 2)
}

func TestArchiveErrors(t *testing.T) {
	h := newServerHarness(t)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"no token", "/v1/quizzes/7/archive", http.StatusUnauthorized},
		{"bad quiz", "/v1/quizzes/abc/archive?wstoken=" + testToken, http.StatusBadRequest},
		{"empty quiz", "/v1/quizzes/9/archive?wstoken=" + testToken, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
