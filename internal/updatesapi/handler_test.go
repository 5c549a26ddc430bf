package updatesapi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/overair/overair/internal/blobstore"
	"github.com/overair/overair/internal/manifest"
	"github.com/overair/overair/internal/publish"
	"github.com/overair/overair/internal/signing"
	"github.com/overair/overair/internal/update"
)

const testAPIKey = "test-api-key"

type testServer struct {
	handler http.Handler
	store   *update.MemoryStore
	blobs   *blobstore.MemoryStore
}

func newTestServer(t *testing.T, signer *signing.Signer) *testServer {
	t.Helper()

	store := update.NewMemoryStore()
	blobs := blobstore.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	publisher, err := publish.NewService(publish.Config{
		Store:  store,
		Blobs:  blobs,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	builder, err := manifest.NewBuilder("https://cdn.example.com")
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	h, err := NewHandler(Config{
		Store:     store,
		Publisher: publisher,
		Manifests: builder,
		Signer:    signer,
		APIKey:    testAPIKey,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &testServer{handler: h, store: store, blobs: blobs}
}

// seedPublished installs a published update with one asset and one launch
// asset per platform, bypassing the publish pipeline.
func seedPublished(t *testing.T, store *update.MemoryStore, updateID, runtimeVersion string, typ update.Type) {
	t.Helper()

	ctx := context.Background()
	_, _, err := store.CreateDraft(ctx, update.Update{
		UpdateID:       updateID,
		RuntimeVersion: runtimeVersion,
		Version:        "1.0.0-" + updateID,
		Config:         json.RawMessage(`{"name":"app"}`),
		Type:           typ,
	})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	assets := []update.Asset{
		{UpdateID: updateID, FileID: "keyA.hashA.png", Platform: update.PlatformIOS},
		{UpdateID: updateID, FileID: "keyB.hashB.bundle", Platform: update.PlatformIOS, LaunchAsset: true},
		{UpdateID: updateID, FileID: "keyC.hashC.png", Platform: update.PlatformAndroid},
		{UpdateID: updateID, FileID: "keyD.hashD.bundle", Platform: update.PlatformAndroid, LaunchAsset: true},
	}
	if err := store.UpsertAssets(ctx, assets); err != nil {
		t.Fatalf("UpsertAssets: %v", err)
	}
	if _, err := store.SetPublished(ctx, updateID, time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)); err != nil {
		t.Fatalf("SetPublished: %v", err)
	}
}

func manifestGet(srv *testServer, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/manifest", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	return rec
}

// readParts splits a multipart response into part name to body and part
// name to headers.
func readParts(t *testing.T, rec *httptest.ResponseRecorder) (map[string][]byte, map[string]map[string]string) {
	t.Helper()

	_, params, err := mime.ParseMediaType(rec.Header().Get("content-type"))
	if err != nil {
		t.Fatalf("parse content type %q: %v", rec.Header().Get("content-type"), err)
	}
	r := multipart.NewReader(rec.Body, params["boundary"])
	bodies := make(map[string][]byte)
	headers := make(map[string]map[string]string)
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			return bodies, headers
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		data, err := io.ReadAll(p)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		bodies[p.FormName()] = data
		hs := make(map[string]string)
		for k := range p.Header {
			hs[strings.ToLower(k)] = p.Header.Get(k)
		}
		headers[p.FormName()] = hs
	}
}

func TestManifest_ServesLatestPublished(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	seedPublished(t, srv.store, "update-old", "87.0.0", update.TypeNormal)
	// Newer publish for the same runtime must win.
	srv2 := srv.store
	ctx := context.Background()
	if _, _, err := srv2.CreateDraft(ctx, update.Update{
		UpdateID:       "update-new",
		RuntimeVersion: "87.0.0",
		Version:        "1.0.1",
		Config:         json.RawMessage(`{"name":"app"}`),
		Type:           update.TypeNormal,
	}); err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if err := srv2.UpsertAssets(ctx, []update.Asset{
		{UpdateID: "update-new", FileID: "keyE.hashE.bundle", Platform: update.PlatformIOS, LaunchAsset: true},
	}); err != nil {
		t.Fatalf("UpsertAssets: %v", err)
	}
	if _, err := srv2.SetPublished(ctx, "update-new", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("SetPublished: %v", err)
	}

	rec := manifestGet(srv, map[string]string{
		"expo-platform":        "ios",
		"expo-runtime-version": "87.0.0",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("expo-protocol-version"); got != "0" {
		t.Fatalf("expo-protocol-version: %q", got)
	}
	if got := rec.Header().Get("expo-sfv-version"); got != "0" {
		t.Fatalf("expo-sfv-version: %q", got)
	}
	if got := rec.Header().Get("cache-control"); got != "private, max-age=0" {
		t.Fatalf("cache-control: %q", got)
	}

	bodies, _ := readParts(t, rec)
	var m manifest.Manifest
	if err := json.Unmarshal(bodies["manifest"], &m); err != nil {
		t.Fatalf("manifest part: %v", err)
	}
	if m.ID != "update-new" {
		t.Fatalf("served id: %q", m.ID)
	}
	if _, ok := bodies["extensions"]; !ok {
		t.Fatalf("missing extensions part")
	}
}

func TestManifest_Validation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	for name, tc := range map[string]struct {
		headers map[string]string
		code    int
	}{
		"unknown platform": {
			headers: map[string]string{"expo-platform": "windows", "expo-runtime-version": "87.0.0"},
			code:    http.StatusBadRequest,
		},
		"missing platform": {
			headers: map[string]string{"expo-runtime-version": "87.0.0"},
			code:    http.StatusBadRequest,
		},
		"missing runtime version": {
			headers: map[string]string{"expo-platform": "ios"},
			code:    http.StatusBadRequest,
		},
		"bad protocol version": {
			headers: map[string]string{"expo-platform": "ios", "expo-runtime-version": "87.0.0", "expo-protocol-version": "2"},
			code:    http.StatusBadRequest,
		},
		"unknown runtime version": {
			headers: map[string]string{"expo-platform": "ios", "expo-runtime-version": "0.0.1"},
			code:    http.StatusNotFound,
		},
	} {
		rec := manifestGet(srv, tc.headers)
		if rec.Code != tc.code {
			t.Fatalf("%s: status %d want %d", name, rec.Code, tc.code)
		}
	}
}

func TestManifest_RepeatedProtocolVersionHeader(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/manifest", nil)
	req.Header.Set("expo-platform", "ios")
	req.Header.Set("expo-runtime-version", "87.0.0")
	req.Header.Add("expo-protocol-version", "0")
	req.Header.Add("expo-protocol-version", "1")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestManifest_NoUpdateShortCircuit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	seedPublished(t, srv.store, "update-1", "87.0.0", update.TypeNormal)

	// Protocol 1 with the current id serves a no-update directive.
	rec := manifestGet(srv, map[string]string{
		"expo-platform":          "ios",
		"expo-runtime-version":   "87.0.0",
		"expo-protocol-version":  "1",
		"expo-current-update-id": "update-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	bodies, _ := readParts(t, rec)
	var d manifest.Directive
	if err := json.Unmarshal(bodies["directive"], &d); err != nil {
		t.Fatalf("directive part: %v", err)
	}
	if d.Type != manifest.DirectiveNoUpdate {
		t.Fatalf("directive type: %q", d.Type)
	}

	// Protocol 0 ignores the current id and serves the manifest anyway.
	rec = manifestGet(srv, map[string]string{
		"expo-platform":          "ios",
		"expo-runtime-version":   "87.0.0",
		"expo-protocol-version":  "0",
		"expo-current-update-id": "update-1",
	})
	bodies, _ = readParts(t, rec)
	if _, ok := bodies["manifest"]; !ok {
		t.Fatalf("expected manifest part on protocol 0, got %v", bodies)
	}
}

func TestManifest_Rollback(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	seedPublished(t, srv.store, "update-rb", "87.0.0", update.TypeRollback)

	base := map[string]string{
		"expo-platform":         "ios",
		"expo-runtime-version":  "87.0.0",
		"expo-protocol-version": "1",
	}

	// Protocol 0 cannot express rollbacks.
	rec := manifestGet(srv, map[string]string{
		"expo-platform":         "ios",
		"expo-runtime-version":  "87.0.0",
		"expo-protocol-version": "0",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("protocol 0 status: %d", rec.Code)
	}

	// Missing embedded update id is an invalid request.
	rec = manifestGet(srv, base)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing embedded id status: %d", rec.Code)
	}

	// Embedded equal to current means nothing to roll back to.
	headers := map[string]string{
		"expo-embedded-update-id": "embedded-1",
		"expo-current-update-id":  "embedded-1",
	}
	for k, v := range base {
		headers[k] = v
	}
	rec = manifestGet(srv, headers)
	bodies, _ := readParts(t, rec)
	var d manifest.Directive
	if err := json.Unmarshal(bodies["directive"], &d); err != nil {
		t.Fatalf("directive part: %v", err)
	}
	if d.Type != manifest.DirectiveNoUpdate {
		t.Fatalf("directive type: %q", d.Type)
	}

	// Otherwise the rollback directive carries the publish time.
	headers["expo-current-update-id"] = "something-else"
	rec = manifestGet(srv, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback status: %d body: %s", rec.Code, rec.Body.String())
	}
	bodies, _ = readParts(t, rec)
	if err := json.Unmarshal(bodies["directive"], &d); err != nil {
		t.Fatalf("directive part: %v", err)
	}
	if d.Type != manifest.DirectiveRollback {
		t.Fatalf("directive type: %q", d.Type)
	}
	if d.Parameters == nil || d.Parameters.CommitTime != "2026-02-01T10:30:00Z" {
		t.Fatalf("commit time: %+v", d.Parameters)
	}
}

func TestManifest_Signature(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	signer, err := signing.New(pemData)
	if err != nil {
		t.Fatalf("signing.New: %v", err)
	}

	srv := newTestServer(t, signer)
	seedPublished(t, srv.store, "update-1", "87.0.0", update.TypeNormal)

	rec := manifestGet(srv, map[string]string{
		"expo-platform":         "ios",
		"expo-runtime-version":  "87.0.0",
		"expo-expect-signature": "true",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	bodies, headers := readParts(t, rec)
	sig := headers["manifest"]["expo-signature"]
	if !strings.Contains(sig, `keyid="main"`) {
		t.Fatalf("signature header: %q", sig)
	}

	// The signature must verify against the exact part body.
	start := strings.Index(sig, `sig="`) + len(`sig="`)
	end := strings.Index(sig[start:], `"`)
	raw, err := base64.StdEncoding.DecodeString(sig[start : start+end])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	digest := sha256.Sum256(bodies["manifest"])
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], raw); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestManifest_SignatureWithoutKey(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	seedPublished(t, srv.store, "update-1", "87.0.0", update.TypeNormal)

	rec := manifestGet(srv, map[string]string{
		"expo-platform":         "ios",
		"expo-runtime-version":  "87.0.0",
		"expo-expect-signature": "true",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no key supplied") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestUpdate_APIKeyRequired(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/update", strings.NewReader(`{}`))
	req.Header.Set("api-key", "wrong")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestMethodGuards(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/manifest", nil)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST manifest status: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/update", nil)
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET update status: %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
}

func TestUpdate_PublishThroughHandler(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	submission := `{
		"config": {"name":"app","version":"1.0.0","runtimeVersion":"87.0.0"},
		"metadata": {
			"version": 0,
			"bundler": "metro",
			"fileMetadata": {
				"ios": {"bundle": "bundles/ios", "assets": []},
				"android": {"bundle": "bundles/android", "assets": []}
			}
		},
		"files": [
			{"path": "bundles/ios", "ext": "bundle", "hash": "hashI", "key": "keyI"},
			{"path": "bundles/android", "ext": "bundle", "hash": "hashA", "key": "keyA"}
		]
	}`

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/update", strings.NewReader(submission))
		req.Header.Set("api-key", testAPIKey)
		rec := httptest.NewRecorder()
		srv.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post()
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	var res publish.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != publish.StatusWaitingForFiles || len(res.Files) != 2 {
		t.Fatalf("first submit: %+v", res)
	}

	for _, id := range []string{"keyI.hashI.bundle", "keyA.hashA.bundle"} {
		if err := srv.blobs.Put(context.Background(), id, []byte("js"), "application/javascript"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	rec = post()
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != publish.StatusPublished {
		t.Fatalf("second submit: %+v", res)
	}

	// The published update is now servable.
	mrec := manifestGet(srv, map[string]string{
		"expo-platform":        "android",
		"expo-runtime-version": "87.0.0",
	})
	if mrec.Code != http.StatusOK {
		t.Fatalf("manifest status: %d body: %s", mrec.Code, mrec.Body.String())
	}
	bodies, _ := readParts(t, mrec)
	var m manifest.Manifest
	if err := json.Unmarshal(bodies["manifest"], &m); err != nil {
		t.Fatalf("manifest part: %v", err)
	}
	if m.LaunchAsset.Key != "keyA" || m.LaunchAsset.ContentType != "application/javascript" {
		t.Fatalf("launch asset: %+v", m.LaunchAsset)
	}
}
