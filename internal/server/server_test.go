package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/untoldecay/elogd/internal/attachments"
	"github.com/untoldecay/elogd/internal/storage/sqlite"
)

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	store  *sqlite.Store
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := sqlite.New(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pipeline := attachments.NewPipeline(afero.NewMemMapFs(), "/uploads", nil)
	s := New(Options{Store: store, Pipeline: pipeline})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testServer{t: t, srv: srv, store: store, client: srv.Client()}
}

// do runs one JSON request and decodes the response body.
func (ts *testServer) do(method, path string, body any) (int, map[string]any) {
	ts.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatalf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	if err != nil {
		ts.t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		ts.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	decoded := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			ts.t.Fatalf("%s %s returned unparseable body %q", method, path, raw)
		}
	}
	return resp.StatusCode, decoded
}

func (ts *testServer) mustDo(method, path string, body any) map[string]any {
	ts.t.Helper()
	status, decoded := ts.do(method, path, body)
	if status != http.StatusOK {
		ts.t.Fatalf("%s %s = %d: %v", method, path, status, decoded)
	}
	return decoded
}

func entityID(t *testing.T, payload map[string]any, key string) int64 {
	t.Helper()
	entity, ok := payload[key].(map[string]any)
	if !ok {
		t.Fatalf("no %q in response: %v", key, payload)
	}
	id, ok := entity["id"].(float64)
	if !ok {
		t.Fatalf("no id in %q: %v", key, entity)
	}
	return int64(id)
}

func TestCreateReadBackRevision(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/",
		map[string]any{"name": "Test"}), "logbook")
	entryID := entityID(t, ts.mustDo("POST",
		fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "t", "content": "c"}), "entry")

	ts.mustDo("PUT", fmt.Sprintf("/api/entries/%d/", entryID),
		map[string]any{"title": "t2", "revision_n": 0})

	got := ts.mustDo("GET", fmt.Sprintf("/api/entries/%d/", entryID), nil)
	entry := got["entry"].(map[string]any)
	if entry["title"] != "t2" {
		t.Errorf("title = %v", entry["title"])
	}
	if entry["revision_n"] != float64(1) {
		t.Errorf("revision_n = %v, want 1", entry["revision_n"])
	}

	rev := ts.mustDo("GET", fmt.Sprintf("/api/entries/%d/revisions/0", entryID), nil)
	if rev["entry"].(map[string]any)["title"] != "t" {
		t.Errorf("revision 0 = %v", rev["entry"])
	}

	changes := ts.mustDo("GET", fmt.Sprintf("/api/entries/%d/revisions/", entryID), nil)
	list := changes["changes"].([]any)
	if len(list) != 1 {
		t.Fatalf("got %d changes, want 1", len(list))
	}
	changed := list[0].(map[string]any)["changed"].(map[string]any)
	if changed["title"] != "t" {
		t.Errorf("changed = %v", changed)
	}
}

func TestLockConflictAndSteal(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/",
		map[string]any{"name": "L"}), "logbook")
	entryID := entityID(t, ts.mustDo("POST",
		fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "e"}), "entry")
	lockPath := fmt.Sprintf("/api/entries/%d/lock", entryID)

	// httptest clients share one IP, so conflict and steal are driven
	// through the steal parameter after simulating the foreign owner
	// at the storage level is not possible here; instead acquire,
	// cancel, re-acquire.
	first := ts.mustDo("POST", lockPath, nil)
	firstID := int64(first["lock"].(map[string]any)["id"].(float64))

	// Same IP re-acquires idempotently.
	again := ts.mustDo("POST", lockPath, nil)
	if int64(again["lock"].(map[string]any)["id"].(float64)) != firstID {
		t.Error("same-owner acquire should return the existing lock")
	}

	got := ts.mustDo("GET", lockPath, nil)
	if int64(got["lock"].(map[string]any)["id"].(float64)) != firstID {
		t.Error("GET lock should return the active lock")
	}

	cancelled := ts.mustDo("DELETE", lockPath, nil)
	if cancelled["lock"].(map[string]any)["cancelled_at"] == nil {
		t.Error("DELETE should cancel the lock")
	}

	status, _ := ts.do("GET", lockPath, nil)
	if status != http.StatusNotFound {
		t.Errorf("GET after cancel = %d, want 404", status)
	}

	second := ts.mustDo("POST", lockPath+"?steal=true", nil)
	if int64(second["lock"].(map[string]any)["id"].(float64)) == firstID {
		t.Error("new acquisition should create a new lock")
	}
}

func TestLockStealFromJSONBody(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/",
		map[string]any{"name": "L"}), "logbook")
	entryID := entityID(t, ts.mustDo("POST",
		fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "e"}), "entry")

	foreign, err := ts.store.AcquireLock(context.Background(), entryID, "10.9.8.7", false)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	// The steal flag also arrives in a JSON body, and clients send the
	// content type with a charset parameter.
	req, err := http.NewRequest("POST",
		fmt.Sprintf("%s/api/entries/%d/lock", ts.srv.URL, entryID),
		strings.NewReader(`{"steal": true}`))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("steal request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("steal = %d, want 200", resp.StatusCode)
	}
	var got struct {
		Lock struct {
			ID int64 `json:"id"`
		} `json:"lock"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Lock.ID == foreign.ID {
		t.Error("steal should cancel the foreign lock and create a new one")
	}
}

func TestStaleUpdateRejection(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/",
		map[string]any{"name": "L"}), "logbook")
	entryID := entityID(t, ts.mustDo("POST",
		fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "v0"}), "entry")
	path := fmt.Sprintf("/api/entries/%d/", entryID)

	ts.mustDo("PUT", path, map[string]any{"title": "v1", "revision_n": 0})

	status, _ := ts.do("PUT", path, map[string]any{"title": "v2", "revision_n": 0})
	if status != http.StatusConflict {
		t.Errorf("stale revision = %d, want 409", status)
	}

	status, _ = ts.do("PUT", path, map[string]any{"title": "v2"})
	if status != http.StatusBadRequest {
		t.Errorf("missing revision_n = %d, want 400", status)
	}

	ts.mustDo("PUT", path, map[string]any{"title": "v2", "revision_n": 1})
}

func TestStaleUpdateBindsNoEmbeddedAttachments(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/",
		map[string]any{"name": "L"}), "logbook")
	entryID := entityID(t, ts.mustDo("POST",
		fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "e", "content": "<p>plain</p>"}), "entry")
	path := fmt.Sprintf("/api/entries/%d/", entryID)

	payload := base64.StdEncoding.EncodeToString(testPNG(t))
	content := `<p><img src="data:image/png;base64,` + payload + `"/></p>`
	status, _ := ts.do("PUT", path,
		map[string]any{"content": content, "revision_n": 5})
	if status != http.StatusConflict {
		t.Fatalf("stale update = %d, want 409", status)
	}

	got := ts.mustDo("GET", path, nil)
	entry := got["entry"].(map[string]any)
	if embedded, ok := entry["embedded_attachments"].([]any); ok && len(embedded) != 0 {
		t.Errorf("rejected update bound %d embedded attachment(s)", len(embedded))
	}
}

func TestMissingRequiredAttributeIs422(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/", map[string]any{
		"name": "L",
		"attributes": []map[string]any{
			{"name": "shift", "type": "option", "required": true,
				"options": []string{"day", "night"}},
		},
	}), "logbook")

	status, _ := ts.do("POST", fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "no shift"})
	if status != http.StatusUnprocessableEntity {
		t.Errorf("missing required attribute = %d, want 422", status)
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 8))
	for x := 0; x < 12; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: 10, G: 200, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func TestInlineImageExtraction(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/",
		map[string]any{"name": "L"}), "logbook")

	payload := base64.StdEncoding.EncodeToString(testPNG(t))
	content := `<p><img src="data:image/png;base64,` + payload + `"/></p>`
	got := ts.mustDo("POST", fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "pasted", "content": content})

	entry := got["entry"].(map[string]any)
	stored := entry["content"].(string)
	if strings.Contains(stored, "data:") {
		t.Error("data: URI survived in stored content")
	}
	if !strings.Contains(stored, `<a href="/attachments/`) ||
		!strings.Contains(stored, `<img src="/attachments/`) {
		t.Errorf("content not rewritten: %s", stored)
	}

	embedded, ok := entry["embedded_attachments"].([]any)
	if !ok || len(embedded) != 1 {
		t.Fatalf("embedded_attachments = %v", entry["embedded_attachments"])
	}
	meta := embedded[0].(map[string]any)["metadata"].(map[string]any)
	size := meta["size"].(map[string]any)
	if size["width"] != float64(12) || size["height"] != float64(8) {
		t.Errorf("size metadata = %v", size)
	}

	// The blob is served below /attachments/.
	url := embedded[0].(map[string]any)["url"].(string)
	resp, err := ts.client.Get(ts.srv.URL + url)
	if err != nil {
		t.Fatalf("blob fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("blob fetch = %d", resp.StatusCode)
	}
}

func TestUploadAndDeleteAttachment(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/",
		map[string]any{"name": "L"}), "logbook")
	entryID := entityID(t, ts.mustDo("POST",
		fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "e"}), "entry")

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("attachment", "readings.txt")
	if err != nil {
		t.Fatalf("failed to build form: %v", err)
	}
	part.Write([]byte("1,2,3"))
	form.Close()

	uploadPath := fmt.Sprintf("%s/api/logbooks/%d/entries/%d/attachments/",
		ts.srv.URL, lbID, entryID)
	resp, err := ts.client.Post(uploadPath, form.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload = %d: %s", resp.StatusCode, body)
	}
	var uploaded struct {
		Attachments []struct {
			ID   int64  `json:"id"`
			Path string `json:"path"`
		} `json:"attachments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		t.Fatalf("failed to decode upload response: %v", err)
	}
	if len(uploaded.Attachments) != 1 {
		t.Fatalf("attachments = %+v", uploaded.Attachments)
	}

	// Listed on the entry.
	got := ts.mustDo("GET", fmt.Sprintf("/api/entries/%d/", entryID), nil)
	listed := got["entry"].(map[string]any)["attachments"].([]any)
	if len(listed) != 1 {
		t.Fatalf("entry attachments = %v", listed)
	}

	// Delete archives.
	ts.mustDo("DELETE", fmt.Sprintf("/api/logbooks/%d/entries/%d/attachments/", lbID, entryID),
		map[string]any{"id": uploaded.Attachments[0].ID})
	got = ts.mustDo("GET", fmt.Sprintf("/api/entries/%d/", entryID), nil)
	if list, ok := got["entry"].(map[string]any)["attachments"].([]any); ok && len(list) != 0 {
		t.Errorf("archived attachment still listed: %v", list)
	}
}

func TestSearchAndFollowupRoutes(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/",
		map[string]any{"name": "L"}), "logbook")
	rootID := entityID(t, ts.mustDo("POST",
		fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "root", "content": "<p>alpha</p>"}), "entry")
	fuID := entityID(t, ts.mustDo("POST",
		fmt.Sprintf("/api/logbooks/%d/entries/%d/", lbID, rootID),
		map[string]any{"title": "fu", "content": "<p>beta</p>"}), "entry")

	// Thread grouping: one row, one followup, stripped content.
	got := ts.mustDo("GET", fmt.Sprintf("/api/logbooks/%d/entries/", lbID), nil)
	entries := got["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("got %d rows, want 1 thread", len(entries))
	}
	row := entries[0].(map[string]any)
	if row["n_followups"] != float64(1) {
		t.Errorf("n_followups = %v", row["n_followups"])
	}
	if row["content"] != "alpha" {
		t.Errorf("stripped content = %q", row["content"])
	}
	if got["count"] != float64(1) {
		t.Errorf("count = %v", got["count"])
	}

	// The thread accessor resolves the root from a followup.
	thread := ts.mustDo("GET", fmt.Sprintf("/api/entries/%d/?thread=true", fuID), nil)
	if entityID(t, thread, "entry") != rootID {
		t.Error("thread accessor should return the root")
	}

	// Content filter surfaces the followup itself.
	got = ts.mustDo("GET", fmt.Sprintf("/api/logbooks/%d/entries/?content=beta", lbID), nil)
	entries = got["entries"].([]any)
	if len(entries) != 1 || int64(entries[0].(map[string]any)["id"].(float64)) != fuID {
		t.Fatalf("content filter rows = %v", entries)
	}
}

func TestHistogramRoute(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/",
		map[string]any{"name": "L"}), "logbook")
	ts.mustDo("POST", fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "a"})

	got := ts.mustDo("GET", fmt.Sprintf("/api/logbooks/%d/entries/histogram", lbID), nil)
	bins := got["histogram"].([]any)
	if len(bins) != 1 {
		t.Fatalf("histogram = %v", bins)
	}
}

func TestDownloadRoutes(t *testing.T) {
	ts := newTestServer(t)

	lbID := entityID(t, ts.mustDo("POST", "/api/logbooks/",
		map[string]any{"name": "L"}), "logbook")
	entryID := entityID(t, ts.mustDo("POST",
		fmt.Sprintf("/api/logbooks/%d/entries/", lbID),
		map[string]any{"title": "exportable", "content": "<p>body</p>"}), "entry")

	resp, err := ts.client.Get(fmt.Sprintf("%s/api/entries/%d/?download=html", ts.srv.URL, entryID))
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<p>body</p>") {
		t.Errorf("exported document = %s", body)
	}

	// No PDF engine configured.
	resp, err = ts.client.Get(fmt.Sprintf("%s/api/entries/%d/?download=pdf", ts.srv.URL, entryID))
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("pdf download = %d, want 400", resp.StatusCode)
	}
}

func TestNotFoundRoutes(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do("GET", "/api/logbooks/999/", nil)
	if status != http.StatusNotFound {
		t.Errorf("missing logbook = %d, want 404", status)
	}
	status, _ = ts.do("GET", "/api/entries/999/", nil)
	if status != http.StatusNotFound {
		t.Errorf("missing entry = %d, want 404", status)
	}
}

func TestUsersRoute(t *testing.T) {
	ts := newTestServer(t)

	got := ts.mustDo("GET", "/api/users/?search=nobody", nil)
	users, ok := got["users"].([]any)
	if !ok {
		t.Fatalf("users = %v", got["users"])
	}
	if len(users) != 0 {
		t.Errorf("null directory should find nobody, got %v", users)
	}
}
