package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasPrefix(resp, "name:") {
				w.Header().Set("Content-Type", "application/yaml")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) lastBody(t *testing.T) map[string]any {
	t.Helper()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[len(ts.requests)-1].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	return body
}

// resetFlags restores every subcommand flag to its default so that values
// from one Execute do not leak into the next.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "no-color" || f.Name == "help" {
			return
		}
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes the CLI against ts and returns stdout.
func run(t *testing.T, ts *testServer, args ...string) (string, error) {
	t.Helper()

	orig := newAPIClient
	if ts != nil {
		newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	}
	origColor := noColor
	noColor = true

	for _, sub := range rootCmd.Commands() {
		resetFlags(sub)
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		newAPIClient = orig
		noColor = origColor
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestClient_SendsTokenAndDecodes(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /projects/p1/memos": `{"id":"memo-123","status":"pending"}`,
	})

	resp, err := ts.client().post(context.Background(), "/projects/p1/memos", map[string]any{"content": "hello world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["id"] != "memo-123" {
		t.Errorf("id = %q, want memo-123", result["id"])
	}

	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.ContentType != "application/json" {
		t.Errorf("content type = %q", r.ContentType)
	}
}

func TestClient_ServerErrorMessage(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(context.Background(), "/memos/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not_found") {
		t.Errorf("error = %q, want status and type", err)
	}
}

func TestIngestCommand_Text(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /projects/acme/memos": `{"id":"memo-1","status":"pending"}`,
	})

	if _, err := run(t, ts, "ingest", "--project", "acme", "--text", "Payroll runs on the 25th", "--scopes", "hr, finance", "--external-id", "pay-1"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	body := ts.lastBody(t)
	if body["content"] != "Payroll runs on the 25th" || body["content_type"] != "text" {
		t.Errorf("body = %v", body)
	}
	if body["external_id"] != "pay-1" {
		t.Errorf("external_id = %v", body["external_id"])
	}
	scopes, _ := body["scopes"].([]any)
	if len(scopes) != 2 || scopes[0] != "hr" || scopes[1] != "finance" {
		t.Errorf("scopes = %v, want [hr finance]", body["scopes"])
	}
}

func TestIngestCommand_PDFFileIsBase64(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /projects/acme/memos": `{"id":"memo-2","status":"pending"}`,
	})
	path := filepath.Join(t.TempDir(), "policy.pdf")
	raw := []byte("%PDF-1.4 fake")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, ts, "ingest", "--project", "acme", "--file", path); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	body := ts.lastBody(t)
	if body["content_type"] != "pdf" {
		t.Errorf("content_type = %v, want pdf", body["content_type"])
	}
	if body["content"] != base64.StdEncoding.EncodeToString(raw) {
		t.Errorf("content = %v, want base64 of file", body["content"])
	}
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"ingest", "--text", "x"}, "--project"},
		{[]string{"ingest", "--project", "acme"}, "--text or --file"},
	}
	for _, tt := range tests {
		_, err := run(t, nil, tt.args...)
		if err == nil {
			t.Fatalf("%v: expected error", tt.args)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%v: error = %q, want it to mention %q", tt.args, err, tt.want)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"notes.md":     "markdown",
		"page.HTML":    "html",
		"report.pdf":   "pdf",
		"plain.txt":    "text",
		"no-extension": "text",
		"doc.markdown": "markdown",
	}
	for path, want := range tests {
		if got := contentTypeFor(path); got != want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestSearchCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /projects/acme/retrieve": `{"query":"pay day","rewritten_query":"payroll date","hits":[{"memo_id":"m1","score":0.91,"snippet":"Payroll runs on the 25th"}]}`,
	})

	out, err := run(t, ts, "search", "pay day", "--project", "acme", "--scopes", "hr", "--top-k", "3", "--rewrite")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "1. m1  0.910") || !strings.Contains(out, "Payroll runs on the 25th") {
		t.Errorf("output = %q", out)
	}

	body := ts.lastBody(t)
	if body["query"] != "pay day" || body["top_k"] != float64(3) || body["rewrite"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestSearchCommand_RewriteUnsetIsOmitted(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /projects/acme/retrieve": `{"query":"q","hits":[]}`,
	})

	out, err := run(t, ts, "search", "q", "--project", "acme")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "No results.") {
		t.Errorf("output = %q", out)
	}
	if _, ok := ts.lastBody(t)["rewrite"]; ok {
		t.Error("rewrite sent without --rewrite; project default would be overridden")
	}
}

func TestMemoList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /projects/acme/memos": `[{"id":"m1","status":"processed","attempts":1,"scopes":["hr"]},{"id":"m2","status":"failed","attempts":3,"scopes":[]}]`,
	})

	out, err := run(t, ts, "memo", "list", "--project", "acme", "--status", "failed", "--limit", "5")
	if err != nil {
		t.Fatalf("memo list: %v", err)
	}
	if !strings.Contains(out, "m1  processed") || !strings.Contains(out, "scopes=hr") || !strings.Contains(out, "scopes=-") {
		t.Errorf("output = %q", out)
	}
	path := ts.requests[0].Path
	if !strings.Contains(path, "status=failed") || !strings.Contains(path, "limit=5") {
		t.Errorf("path = %q", path)
	}
}

func TestMemoScopes_EmptyClears(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /memos/m1/scopes": `{"id":"m1","scopes":[]}`,
	})

	if _, err := run(t, ts, "memo", "scopes", "m1", ""); err != nil {
		t.Fatalf("memo scopes: %v", err)
	}
	if got := ts.requests[0].Body; !strings.Contains(got, `"scopes":[]`) {
		t.Errorf("body = %s, want an explicit empty list", got)
	}
}

func TestProjectUpdate_RequiresAField(t *testing.T) {
	_, err := run(t, nil, "project", "update", "acme")
	if err == nil || !strings.Contains(err.Error(), "nothing to update") {
		t.Errorf("error = %v", err)
	}
}

func TestProjectStats(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /projects/acme/stats": `{"project_id":"acme","memos":{"pending":2,"processing":0,"processed":5,"failed":1}}`,
	})

	out, err := run(t, ts, "project", "stats", "acme")
	if err != nil {
		t.Fatalf("project stats: %v", err)
	}
	for _, want := range []string{
		fmt.Sprintf("%-11s %d", "pending", 2),
		fmt.Sprintf("%-11s %d", "processed", 5),
		fmt.Sprintf("%-11s %d", "failed", 1),
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDatasetImport_SendsYAML(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /projects/acme/datasets": `{"id":"ds-1","name":"smoke","cases":[{"id":"c1"}]}`,
	})
	path := filepath.Join(t.TempDir(), "smoke.yaml")
	yaml := "name: smoke\ncases:\n  - query: when is payday\n    expected_ids: [m1]\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, ts, "dataset", "import", path, "--project", "acme"); err != nil {
		t.Fatalf("dataset import: %v", err)
	}
	r := ts.requests[0]
	if r.ContentType != "application/yaml" || r.Body != yaml {
		t.Errorf("request = %+v", r)
	}
}

func TestDatasetExport(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /datasets/ds-1": "name: smoke\ncases: []\n",
	})

	out, err := run(t, ts, "dataset", "export", "ds-1")
	if err != nil {
		t.Fatalf("dataset export: %v", err)
	}
	if out != "name: smoke\ncases: []\n" {
		t.Errorf("output = %q", out)
	}
	if ts.requests[0].Path != "/datasets/ds-1?format=yaml" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestEvalRun(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /datasets/ds-1/runs": `{"id":"run-1","status":"complete","config":{"rewrite":true},"aggregate":{"mrr":0.75,"precision@k":0.5},"cases_total":4,"cases_scored":4}`,
	})

	out, err := run(t, ts, "eval", "run", "ds-1", "--rewrite", "--metrics", "mrr,precision@k", "--persist")
	if err != nil {
		t.Fatalf("eval run: %v", err)
	}
	if !strings.Contains(out, "Run run-1  complete  rewrite=true") || !strings.Contains(out, fmt.Sprintf("%-14s %.4f", "mrr", 0.75)) {
		t.Errorf("output = %q", out)
	}

	body := ts.lastBody(t)
	if body["rewrite"] != true || body["persist"] != true {
		t.Errorf("body = %v", body)
	}
	if m, _ := body["metrics"].([]any); len(m) != 2 {
		t.Errorf("metrics = %v", body["metrics"])
	}
}

func TestEvalCompare(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cfg struct {
			Rewrite bool `json:"rewrite"`
		}
		json.NewDecoder(r.Body).Decode(&cfg)
		calls++
		if cfg.Rewrite {
			w.Write([]byte(`{"id":"r2","status":"complete","aggregate":{"mrr":0.8}}`))
			return
		}
		w.Write([]byte(`{"id":"r1","status":"complete","aggregate":{"mrr":0.6}}`))
	}))
	defer srv.Close()

	ts := &testServer{server: srv}
	out, err := run(t, ts, "eval", "compare", "ds-1")
	if err != nil {
		t.Fatalf("eval compare: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !strings.Contains(out, "+0.2000") {
		t.Errorf("output = %q, want a +0.2000 delta", out)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" hr, ,finance ,")
	if len(got) != 2 || got[0] != "hr" || got[1] != "finance" {
		t.Errorf("splitList = %q", got)
	}
	if splitList("") != nil {
		t.Error("splitList(\"\") should be nil")
	}
}

func TestColorize(t *testing.T) {
	orig := noColor
	defer func() { noColor = orig }()

	noColor = false
	if got := colorize(colorRed, "x"); got != colorRed+"x"+colorReset {
		t.Errorf("colorize = %q", got)
	}
	noColor = true
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("colorize with noColor = %q", got)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}
