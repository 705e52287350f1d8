package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/workflow"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"unauthorized", &HTTPError{Status: 401}, KindAuthorization},
		{"forbidden", &HTTPError{Status: 403}, KindAuthorization},
		{"too many requests", &HTTPError{Status: 429}, KindTransient},
		{"request timeout", &HTTPError{Status: 408}, KindTransient},
		{"server error", &HTTPError{Status: 503}, KindTransient},
		{"bad request", &HTTPError{Status: 400}, KindPermanent},
		{"not found", &HTTPError{Status: 404}, KindPermanent},
		{"wrapped", fmt.Errorf("put: %w", &HTTPError{Status: 502}), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", context.Canceled, KindPermanent},
		{"network", &net.OpError{Op: "dial", Err: timeoutErr{}}, KindTransient},
		{"bad json", &json.SyntaxError{}, KindPermanent},
		{"other", errors.New("boom"), KindPermanent},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: Classify = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestHTTPRemoteSendsCredentialsAndDecodes(t *testing.T) {
	var gotPath, gotToken, gotBearer, gotWriteID string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("token")
		gotBearer = r.Header.Get("Authorization")
		gotWriteID = r.Header.Get(IdempotencyHeader)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"inv-srv","temp_id":"temp-1","unmatched":["Tape"]}`))
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL+"/", "admin-token", "")
	base := decimal.NewFromInt(10)
	ack, err := r.PutEntity(context.Background(), "org-1", workflow.TableInventoryItems, "temp-1", "write-7",
		inventoryPayload{InventoryItem: models.InventoryItem{ID: "temp-1", Name: "Primer"}, BaseQuantity: &base})
	if err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	if gotPath != "/api/orgs/org-1/inventory/temp-1" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotToken != "admin-token" || gotBearer != "" {
		t.Fatalf("token=%q bearer=%q", gotToken, gotBearer)
	}
	if gotWriteID != "write-7" {
		t.Fatalf("%s = %q", IdempotencyHeader, gotWriteID)
	}
	if gotBody["base_quantity"] != "10" {
		t.Fatalf("base_quantity = %v", gotBody["base_quantity"])
	}
	if ack.Id != "inv-srv" || ack.TempId != "temp-1" || len(ack.Unmatched) != 1 {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestHTTPRemoteErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL, "", "crew-token")
	_, err := r.FetchCrewJobs(context.Background(), "org-1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Status != http.StatusForbidden || httpErr.Message != "forbidden" {
		t.Fatalf("err = %+v", httpErr)
	}
	if Classify(err) != KindAuthorization {
		t.Fatalf("expected authorization kind")
	}
}

func TestHTTPRemoteUnknownTable(t *testing.T) {
	r := NewHTTPRemote("http://127.0.0.1:1", "", "")
	if _, err := r.PutEntity(context.Background(), "org-1", "widgets", "1", "", nil); !errors.Is(err, workflow.ErrUnknownTable) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartCrewSessionKeepsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/crew/session" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"token":"cap","organization_id":"org-1","organization_name":"Acme"}`))
	}))
	defer srv.Close()

	r := NewHTTPRemote(srv.URL, "", "")
	sess, err := r.StartCrewSession(context.Background(), "Acme", "1234")
	if err != nil {
		t.Fatalf("StartCrewSession: %v", err)
	}
	if sess.OrganizationId != "org-1" || r.CrewToken != "cap" {
		t.Fatalf("session = %+v token = %q", sess, r.CrewToken)
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":    "ws://localhost:8080/ws",
		"https://api.example.com/": "wss://api.example.com/ws",
	}
	for in, want := range cases {
		if got := WebsocketURL(in); got != want {
			t.Fatalf("WebsocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCacheRoundTrip(t *testing.T) {
	cache, err := OpenCache(":memory:")
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()

	if _, _, ok, err := cache.Load(ctx, "nobody"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := State{Jobs: []models.Job{{ID: "job-1", Name: "Attic"}}}
	if err := cache.Save(ctx, "jane", first, at); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second := State{Jobs: []models.Job{{ID: "job-2", Name: "Garage"}}}
	if err := cache.Save(ctx, "jane", second, at.Add(time.Hour)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, savedAt, ok, err := cache.Load(ctx, "jane")
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if len(got.Jobs) != 1 || got.Jobs[0].ID != "job-2" {
		t.Fatalf("jobs = %+v", got.Jobs)
	}
	if !savedAt.Equal(at.Add(time.Hour)) {
		t.Fatalf("savedAt = %s", savedAt)
	}
}

func TestFingerprintIgnoresNothingInSettings(t *testing.T) {
	a := models.OrgSettings{}
	b := models.OrgSettings{Company: models.CompanyProfile{Phone: "555"}}
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatalf("different settings share a fingerprint")
	}
	if Fingerprint(b) != Fingerprint(b) {
		t.Fatalf("fingerprint is not stable")
	}
}
