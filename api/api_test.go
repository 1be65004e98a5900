package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/lectio/account"
	"github.com/hazyhaar/lectio/assemble"
	"github.com/hazyhaar/lectio/dbopen"
	"github.com/hazyhaar/lectio/docstore"
	"github.com/hazyhaar/lectio/ledger"
	_ "modernc.org/sqlite"
)

var testSecret = []byte(strings.Repeat("s", 32))

type noopRunner struct {
	mu   sync.Mutex
	runs []string
}

func (n *noopRunner) Run(_ context.Context, jobID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, jobID)
}

type testServer struct {
	srv    *httptest.Server
	server *Server
	runner *noopRunner
	sender *codeSender
}

type codeSender struct{ code string }

func (c *codeSender) SendCode(_ context.Context, _ string, code string) error {
	c.code = code
	return nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := dbopen.OpenMemory(t)
	if err := account.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	if err := ledger.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	if err := docstore.ApplySchema(db); err != nil {
		t.Fatal(err)
	}

	upDir, resDir, docsDir := t.TempDir(), t.TempDir(), t.TempDir()
	sender := &codeSender{}
	runner := &noopRunner{}

	server := &Server{
		Accounts:     account.NewStore(db, sender, logger),
		Jobs:         ledger.NewStore(db, ledger.Paths{UploadDir: upDir, ResultDir: resDir}, logger),
		Docs:         docstore.NewStore(db, docsDir, logger),
		Orchestrator: runner,
		JWTSecret:    testSecret,
		UploadDir:    upDir,
		ResultDir:    resDir,
		Logger:       logger,
	}

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, server: server, runner: runner, sender: sender}
}

// signupAndLogin creates a verified user and returns the session cookie.
func (ts *testServer) signupAndLogin(t *testing.T, username string) *http.Cookie {
	t.Helper()
	email := username + "@example.com"

	ts.postJSON(t, "/api/auth/signup/request", nil, map[string]string{
		"username": username, "password": "secret-" + username, "email": email,
	}, 200)
	ts.postJSON(t, "/api/auth/signup/verify", nil, map[string]string{
		"email": email, "code": ts.sender.code,
	}, 201)

	resp := ts.postJSONRaw(t, "/api/auth/login", nil, map[string]string{
		"username": username, "password": "secret-" + username,
	})
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "token" {
			return c
		}
	}
	t.Fatal("no token cookie on login")
	return nil
}

func (ts *testServer) postJSONRaw(t *testing.T, path string, cookie *http.Cookie, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", ts.srv.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (ts *testServer) postJSON(t *testing.T, path string, cookie *http.Cookie, body any, wantCode int) map[string]any {
	t.Helper()
	resp := ts.postJSONRaw(t, path, cookie, body)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantCode {
		t.Fatalf("POST %s status = %d, want %d (%s)", path, resp.StatusCode, wantCode, raw)
	}
	var out map[string]any
	json.Unmarshal(raw, &out)
	return out
}

func (ts *testServer) do(t *testing.T, method, path string, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, ts.srv.URL+path, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/health", nil)
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/jobs", "/api/settings", "/api/docs/nodes", "/api/auth/me"} {
		resp := ts.do(t, "GET", path, nil)
		resp.Body.Close()
		if resp.StatusCode != 401 {
			t.Errorf("GET %s without session = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestSignupLoginMe(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signupAndLogin(t, "alice")

	resp := ts.do(t, "GET", "/api/auth/me", cookie)
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("me status = %d", resp.StatusCode)
	}
	var me map[string]any
	json.NewDecoder(resp.Body).Decode(&me)
	if me["username"] != "alice" {
		t.Errorf("me = %v", me)
	}
}

func uploadFile(t *testing.T, ts *testServer, cookie *http.Cookie, filename string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("fake-content"))
	mw.Close()

	req, _ := http.NewRequest("POST", ts.srv.URL+"/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestUploadCreatesJobAndStartsRun(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signupAndLogin(t, "alice")

	resp := uploadFile(t, ts, cookie, "deck.pdf")
	defer resp.Body.Close()
	if resp.StatusCode != 202 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d (%s)", resp.StatusCode, body)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	jobID := out["job_id"]
	if jobID == "" || out["status"] != "pending" {
		t.Fatalf("upload response = %v", out)
	}

	// the stored file is in place for the orchestrator
	if _, err := os.Stat(filepath.Join(ts.server.UploadDir, jobID, "deck.pdf")); err != nil {
		t.Errorf("upload not stored: %v", err)
	}

	ts.runner.mu.Lock()
	defer ts.runner.mu.Unlock()
	if len(ts.runner.runs) != 1 || ts.runner.runs[0] != jobID {
		t.Errorf("runner runs = %v", ts.runner.runs)
	}
}

func TestUploadUnsupportedFormat(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signupAndLogin(t, "alice")

	resp := uploadFile(t, ts, cookie, "notes.docx")
	defer resp.Body.Close()
	if resp.StatusCode != 415 {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestJobOwnershipAndDelete(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signupAndLogin(t, "alice")
	bob := ts.signupAndLogin(t, "bob")

	resp := uploadFile(t, ts, alice, "deck.pdf")
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	jobID := out["job_id"]

	// bob cannot see or delete alice's job
	resp = ts.do(t, "GET", "/api/jobs/"+jobID, bob)
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("cross-owner get = %d, want 404", resp.StatusCode)
	}
	resp = ts.do(t, "DELETE", "/api/jobs/"+jobID, bob)
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("cross-owner delete = %d, want 404", resp.StatusCode)
	}

	// deleting a pending job is refused
	resp = ts.do(t, "DELETE", "/api/jobs/"+jobID, alice)
	resp.Body.Close()
	if resp.StatusCode != 409 {
		t.Errorf("delete active job = %d, want 409", resp.StatusCode)
	}

	// after it fails it can be deleted
	if err := ts.server.Jobs.MarkFailed(context.Background(), jobID, "boom"); err != nil {
		t.Fatal(err)
	}
	resp = ts.do(t, "DELETE", "/api/jobs/"+jobID, alice)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("delete failed job = %d, want 200", resp.StatusCode)
	}
}

func TestSettingsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signupAndLogin(t, "alice")

	// external model without key is rejected
	ts.postJSON(t, "/api/settings", cookie, map[string]any{
		"preferred_model": "gpt-4o",
	}, 400)

	ts.postJSON(t, "/api/settings", cookie, map[string]any{
		"preferred_model": "gpt-4o",
		"api_key":         "sk-test",
		"audio_model":     2,
	}, 200)

	resp := ts.do(t, "GET", "/api/settings", cookie)
	defer resp.Body.Close()
	var set map[string]any
	json.NewDecoder(resp.Body).Decode(&set)
	if set["preferred_model"] != "gpt-4o" {
		t.Errorf("settings = %v", set)
	}
	if set["api_key_set"] != true {
		t.Errorf("api_key_set = %v", set["api_key_set"])
	}
	if _, leaked := set["api_key"]; leaked {
		t.Error("api key echoed back")
	}

	usage := ts.doJSON(t, "GET", "/api/settings/usage", cookie)
	if usage["total_spent_usd"] != float64(0) {
		t.Errorf("usage = %v", usage)
	}
}

func (ts *testServer) doJSON(t *testing.T, method, path string, cookie *http.Cookie) map[string]any {
	t.Helper()
	resp := ts.do(t, method, path, cookie)
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func TestDocsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signupAndLogin(t, "alice")

	folder := ts.postJSON(t, "/api/docs/folders", cookie, map[string]string{"name": "Semester 1"}, 201)
	folderID, _ := folder["id"].(string)
	if folderID == "" {
		t.Fatalf("folder = %v", folder)
	}

	// import needs a completed job with an archive
	job, err := ts.server.Jobs.Create(context.Background(), ts.userID(t, cookie), "deck.pdf", ledger.KindSlides)
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.server.Jobs.MarkProcessing(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	writeResultArchive(t, ts.server.ResultDir, job.ID)
	if err := ts.server.Jobs.MarkCompleted(context.Background(), job.ID, "/static/results/"+job.ID+".zip"); err != nil {
		t.Fatal(err)
	}

	node := ts.postJSON(t, "/api/docs/import/"+job.ID, cookie, map[string]string{
		"parent_id": folderID,
	}, 201)
	nodeID, _ := node["id"].(string)
	if nodeID == "" || node["kind"] != "doc" {
		t.Fatalf("imported node = %v", node)
	}
	if node["name"] != "deck" {
		t.Errorf("default name = %v, want upload basename", node["name"])
	}

	resp := ts.do(t, "GET", "/api/docs/nodes?parent="+folderID, cookie)
	defer resp.Body.Close()
	var nodes []map[string]any
	json.NewDecoder(resp.Body).Decode(&nodes)
	if len(nodes) != 1 || nodes[0]["id"] != nodeID {
		t.Errorf("folder listing = %v", nodes)
	}

	// archive download round-trips
	resp = ts.do(t, "GET", "/api/docs/nodes/"+nodeID+"/archive", cookie)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || len(body) == 0 {
		t.Errorf("archive status = %d, %d bytes", resp.StatusCode, len(body))
	}
}

// userID resolves the session's user id via /api/auth/me.
func (ts *testServer) userID(t *testing.T, cookie *http.Cookie) string {
	t.Helper()
	me := ts.doJSON(t, "GET", "/api/auth/me", cookie)
	id, _ := me["id"].(string)
	if id == "" {
		t.Fatal("no user id")
	}
	return id
}

func writeResultArchive(t *testing.T, resultDir, jobID string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "result.md"), []byte("# doc"), 0o644); err != nil {
		t.Fatal(err)
	}
	zipPath := filepath.Join(resultDir, jobID+".zip")
	if err := assemble.ZipDir(dir, zipPath); err != nil {
		t.Fatal(err)
	}
}

func TestImportRejectsUnfinishedJob(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signupAndLogin(t, "alice")

	job, err := ts.server.Jobs.Create(context.Background(), ts.userID(t, cookie), "deck.pdf", ledger.KindSlides)
	if err != nil {
		t.Fatal(err)
	}
	ts.postJSON(t, "/api/docs/import/"+job.ID, cookie, map[string]string{}, 409)
}

func TestResultArchiveIsOwnerScoped(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signupAndLogin(t, "alice")
	bob := ts.signupAndLogin(t, "bob")

	job, err := ts.server.Jobs.Create(context.Background(), ts.userID(t, alice), "deck.pdf", ledger.KindSlides)
	if err != nil {
		t.Fatal(err)
	}
	writeResultArchive(t, ts.server.ResultDir, job.ID)

	resp := ts.do(t, "GET", "/static/results/"+job.ID+".zip", alice)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("owner download = %d", resp.StatusCode)
	}
	resp = ts.do(t, "GET", "/static/results/"+job.ID+".zip", bob)
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("cross-owner download = %d, want 404", resp.StatusCode)
	}
}
