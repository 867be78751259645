package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/config"
	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
	"github.com/bryanchriswhite/PlateStreamer/internal/session"
	"github.com/bryanchriswhite/PlateStreamer/internal/store"
	"github.com/gorilla/websocket"
)

type fakeController struct {
	started    []string
	startErr   error
	stopped    int
	state      session.State
	detections []detect.Detection
	cfg        config.Runtime
	partials   []map[string]any
	still      session.StillResult
	stillErr   error
	frames     [][]byte
}

func newFakeController() *fakeController {
	return &fakeController{state: session.StateIdle, cfg: config.DefaultRuntime()}
}

func (f *fakeController) Start(ctx context.Context, descriptor string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, descriptor)
	f.state = session.StateCapturing
	return nil
}

func (f *fakeController) Stop() error {
	f.stopped++
	f.state = session.StateStopped
	return nil
}

func (f *fakeController) Status() session.Status {
	return session.Status{ID: "sess-1", State: f.state, Detections: len(f.detections), Config: f.cfg}
}

func (f *fakeController) Detections() []detect.Detection { return f.detections }
func (f *fakeController) Config() config.Runtime         { return f.cfg }

func (f *fakeController) UpdateConfig(partial map[string]any) error {
	f.partials = append(f.partials, partial)
	next, err := config.ApplyPartial(f.cfg, partial)
	if err != nil {
		return err
	}
	f.cfg = next
	return nil
}

func (f *fakeController) SubmitImage(ctx context.Context, data []byte) (session.StillResult, error) {
	if f.stillErr != nil {
		return session.StillResult{}, f.stillErr
	}
	return f.still, nil
}

func (f *fakeController) Frames(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, fr := range f.frames {
			if !yield(fr, nil) {
				return
			}
		}
	}
}

type fakeHistory struct {
	records   []store.Record
	deleted   []string
	from, to  time.Time
	subject   string
	window    time.Duration
	following []string
}

func (h *fakeHistory) Range(ctx context.Context, from, to time.Time) ([]store.Record, error) {
	h.from, h.to = from, to
	return h.records, nil
}

func (h *fakeHistory) Delete(ctx context.Context, id string) error {
	if id == "missing" {
		return apperr.New(apperr.NotFound, "detection not found")
	}
	h.deleted = append(h.deleted, id)
	return nil
}

func (h *fakeHistory) FollowingPlates(ctx context.Context, subject string, window time.Duration, now time.Time) ([]string, error) {
	h.subject, h.window = subject, window
	return h.following, nil
}

func setupTestServer(t *testing.T) (*Server, *fakeController, *fakeHistory) {
	t.Helper()
	ctrl := newFakeController()
	hist := &fakeHistory{}
	s := NewServer(Options{
		Controller: ctrl,
		History:    hist,
		UploadDir:  t.TempDir(),
		Version:    "test",
	})
	return s, ctrl, hist
}

func do(s *Server, method, path string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body %q is not JSON: %v", w.Body.String(), err)
	}
	return e
}

func TestStartSession(t *testing.T) {
	s, ctrl, _ := setupTestServer(t)

	w := do(s, "POST", "/api/session/start", `{"source":"device:0"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(ctrl.started) != 1 || ctrl.started[0] != "device:0" {
		t.Errorf("started = %v, want [device:0]", ctrl.started)
	}

	var st session.Status
	json.Unmarshal(w.Body.Bytes(), &st)
	if st.State != session.StateCapturing {
		t.Errorf("State = %s, want capturing", st.State)
	}

	// legacy body field
	do(s, "POST", "/start_video", `{"videoPath":"uploads/a.mp4"}`)
	if len(ctrl.started) != 2 || ctrl.started[1] != "uploads/a.mp4" {
		t.Errorf("started = %v, want videoPath accepted", ctrl.started)
	}
}

func TestStartSessionErrors(t *testing.T) {
	s, ctrl, _ := setupTestServer(t)

	w := do(s, "POST", "/api/session/start", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing source status = %d, want 400", w.Code)
	}
	if e := decodeError(t, w); e.Code != apperr.InvalidRequest {
		t.Errorf("code = %s, want invalid_request", e.Code)
	}

	w = do(s, "POST", "/api/session/start", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", w.Code)
	}

	ctrl.startErr = apperr.New(apperr.SourceUnavailable, "could not open source")
	w = do(s, "POST", "/api/session/start", `{"source":"nope.mp4"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unavailable status = %d, want 400", w.Code)
	}
	e := decodeError(t, w)
	if e.Code != apperr.SourceUnavailable || e.Error != "could not open source" {
		t.Errorf("error = %+v, want source_unavailable", e)
	}
}

func TestStopAndStatus(t *testing.T) {
	s, ctrl, _ := setupTestServer(t)

	w := do(s, "POST", "/api/session/stop", "")
	if w.Code != http.StatusOK || ctrl.stopped != 1 {
		t.Fatalf("stop status = %d, stopped = %d", w.Code, ctrl.stopped)
	}

	w = do(s, "GET", "/api/session", "")
	var st session.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if st.State != session.StateStopped || st.ID != "sess-1" {
		t.Errorf("status = %+v, want stopped sess-1", st)
	}
}

func TestGetDetections(t *testing.T) {
	s, ctrl, _ := setupTestServer(t)
	ctrl.detections = []detect.Detection{{Text: "ABC123", Confidence: 0.9, BBox: [4]int{1, 2, 3, 4}}}

	for _, path := range []string{"/api/detections", "/detected_plates"} {
		w := do(s, "GET", path, "")
		var body struct {
			Detections []detect.Detection `json:"detections"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if len(body.Detections) != 1 || body.Detections[0].Text != "ABC123" {
			t.Errorf("%s detections = %+v", path, body.Detections)
		}
	}
}

func TestConfigEndpoints(t *testing.T) {
	s, ctrl, _ := setupTestServer(t)

	w := do(s, "PUT", "/api/config", `{"frame_skip": 4, "confidence_threshold": 0.7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", w.Code, w.Body.String())
	}
	if ctrl.cfg.FrameSkip != 4 || ctrl.cfg.ConfidenceThreshold != 0.7 {
		t.Errorf("config = %+v, want frame_skip 4 threshold 0.7", ctrl.cfg)
	}
	if _, ok := ctrl.partials[0]["frame_skip"].(json.Number); !ok {
		t.Errorf("frame_skip decoded as %T, want json.Number", ctrl.partials[0]["frame_skip"])
	}

	w = do(s, "GET", "/api/config", "")
	var got config.Runtime
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.FrameSkip != 4 {
		t.Errorf("GET frame_skip = %d, want 4", got.FrameSkip)
	}

	w = do(s, "PUT", "/api/config", `{"frame_skip": 0}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid update status = %d, want 400", w.Code)
	}
	if ctrl.cfg.FrameSkip != 4 {
		t.Errorf("rejected update changed config: %+v", ctrl.cfg)
	}
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestSubmitImage(t *testing.T) {
	s, ctrl, _ := setupTestServer(t)
	ctrl.still = session.StillResult{
		Image:      []byte("annotated"),
		Detections: []detect.Detection{{Text: "XYZ789", Confidence: 0.8}},
	}

	body, ct := multipartBody(t, "image", "car.png", []byte("raw"))
	r := httptest.NewRequest("POST", "/api/images", body)
	r.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Image      string             `json:"image"`
		Detections []detect.Detection `json:"detections"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	img, _ := base64.StdEncoding.DecodeString(resp.Image)
	if string(img) != "annotated" || len(resp.Detections) != 1 {
		t.Errorf("response = %+v", resp)
	}

	body, ct = multipartBody(t, "image", "car.png", []byte("raw"))
	r = httptest.NewRequest("POST", "/api/images?format=jpeg", body)
	r.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Header().Get("Content-Type") != "image/jpeg" || w.Body.String() != "annotated" {
		t.Errorf("jpeg response = %q %q", w.Header().Get("Content-Type"), w.Body.String())
	}
	if w.Header().Get("X-Plate-Count") != "1" {
		t.Errorf("X-Plate-Count = %q, want 1", w.Header().Get("X-Plate-Count"))
	}
}

func TestSubmitImageErrors(t *testing.T) {
	s, ctrl, _ := setupTestServer(t)

	w := do(s, "POST", "/api/images", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file status = %d, want 400", w.Code)
	}

	ctrl.stillErr = apperr.New(apperr.DecodeFailure, "could not decode image")
	body, ct := multipartBody(t, "image", "x.bin", []byte("garbage"))
	r := httptest.NewRequest("POST", "/api/images", body)
	r.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("decode failure status = %d, want 400", w.Code)
	}
	if e := decodeError(t, w); e.Code != apperr.DecodeFailure {
		t.Errorf("code = %s, want decode_failure", e.Code)
	}

	ctrl.stillErr = apperr.New(apperr.ProcessingFailure, "capability failed")
	body, ct = multipartBody(t, "image", "x.png", []byte("x"))
	r = httptest.NewRequest("POST", "/api/images", body)
	r.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("processing failure status = %d, want 500", w.Code)
	}
}

func TestUpload(t *testing.T) {
	s, _, _ := setupTestServer(t)

	body, ct := multipartBody(t, "video", "../../etc/my clip.mp4", []byte("video-bytes"))
	r := httptest.NewRequest("POST", "/api/uploads", body)
	r.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if filepath.Dir(resp.Path) != s.uploadDir {
		t.Errorf("path = %q, want inside %q", resp.Path, s.uploadDir)
	}
	if filepath.Base(resp.Path) != "my_clip.mp4" {
		t.Errorf("file name = %q, want my_clip.mp4", filepath.Base(resp.Path))
	}
	data, err := os.ReadFile(resp.Path)
	if err != nil || string(data) != "video-bytes" || resp.Size != 11 {
		t.Errorf("stored %q (%d) err %v", data, resp.Size, err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"clip.mp4", "clip.mp4"},
		{"a b&c.avi", "a_b_c.avi"},
		{"..\\..\\win.mov", "win.mov"},
		{".hidden", "hidden"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := sanitizeFilename(""); !strings.HasSuffix(got, ".mp4") || len(got) < 10 {
		t.Errorf("sanitizeFilename(\"\") = %q, want generated name", got)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	s, _, hist := setupTestServer(t)
	hist.records = []store.Record{{ID: "r1", Text: "ABC123"}}

	w := do(s, "GET", "/api/detections/history?from=2024-05-01T00:00:00Z&to=2024-05-02T00:00:00Z", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !hist.from.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)) || !hist.to.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("range = %v..%v", hist.from, hist.to)
	}
	var resp struct {
		Records []store.Record `json:"records"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Records) != 1 || resp.Records[0].ID != "r1" {
		t.Errorf("records = %+v", resp.Records)
	}

	do(s, "GET", "/api/detections/history", "")
	if got := hist.to.Sub(hist.from); got != defaultHistoryWindow {
		t.Errorf("default window = %v, want %v", got, defaultHistoryWindow)
	}

	if w := do(s, "GET", "/api/detections/history?from=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad from status = %d, want 400", w.Code)
	}
	if w := do(s, "GET", "/api/detections/history?from=2024-05-02T00:00:00Z&to=2024-05-01T00:00:00Z", ""); w.Code != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", w.Code)
	}

	if w := do(s, "DELETE", "/api/detections/history/r1", ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if len(hist.deleted) != 1 || hist.deleted[0] != "r1" {
		t.Errorf("deleted = %v", hist.deleted)
	}
	if w := do(s, "DELETE", "/api/detections/history/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("delete missing status = %d, want 404", w.Code)
	}
}

func TestFollowingEndpoint(t *testing.T) {
	s, _, hist := setupTestServer(t)
	hist.following = []string{"CAR2"}

	w := do(s, "GET", "/api/detections/following?plate=SUBJ&window=30m", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if hist.subject != "SUBJ" || hist.window != 30*time.Minute {
		t.Errorf("query = %s %v", hist.subject, hist.window)
	}

	if w := do(s, "GET", "/api/detections/following", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing plate status = %d, want 400", w.Code)
	}
	if w := do(s, "GET", "/api/detections/following?plate=A&window=-1m", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative window status = %d, want 400", w.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	s := NewServer(Options{Controller: newFakeController()})

	w := do(s, "GET", "/api/detections/history", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if e := decodeError(t, w); e.Error != "history disabled" {
		t.Errorf("error = %q", e.Error)
	}

	body, ct := multipartBody(t, "video", "a.mp4", []byte("x"))
	r := httptest.NewRequest("POST", "/api/uploads", body)
	r.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusNotFound {
		t.Errorf("upload without dir status = %d, want 404", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := setupTestServer(t)
	w := do(s, "OPTIONS", "/api/config", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestHealthAndViewer(t *testing.T) {
	s, _, _ := setupTestServer(t)

	w := do(s, "GET", "/api/health", "")
	var health map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &health)
	if health["status"] != "ok" || health["version"] != "test" || health["state"] != "idle" {
		t.Errorf("health = %v", health)
	}

	w = do(s, "GET", "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/video_feed") {
		t.Errorf("viewer status = %d", w.Code)
	}
}

func TestVideoFeed(t *testing.T) {
	s, ctrl, _ := setupTestServer(t)
	ctrl.frames = [][]byte{[]byte("one"), []byte("two")}

	w := do(s, "GET", "/video_feed", "")
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "multipart/x-mixed-replace") {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "one") || !strings.Contains(w.Body.String(), "two") {
		t.Errorf("body = %q, want both frames", w.Body.String())
	}
}

func TestDetectionFeed(t *testing.T) {
	s, ctrl, _ := setupTestServer(t)
	ctrl.detections = []detect.Detection{{Text: "OLD111"}}

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/detections"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap FeedMessage
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Type != "snapshot" || len(snap.Detections) != 1 || snap.Detections[0].Text != "OLD111" {
		t.Errorf("snapshot = %+v", snap)
	}

	// The subscription is registered before the snapshot is written.
	ev := session.Event{SessionID: "sess-1", FrameSeq: 3, New: []detect.Detection{{Text: "NEW222"}}}
	s.hub.Publish(context.Background(), ev)

	var msg FeedMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if msg.Type != "detections" || msg.FrameSeq != 3 || msg.Detections[0].Text != "NEW222" {
		t.Errorf("update = %+v", msg)
	}
}
