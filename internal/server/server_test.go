package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"

	"shiftline/internal/app"
	"shiftline/internal/domain"
	shiftlinesdk "shiftline/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	a, err := app.Open(app.Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{
		Engine:   a.Engine,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func shiftBody(required int) map[string]any {
	return map[string]any{
		"title":          "Harvest crew",
		"location":       "North field",
		"pay_amount":     9000,
		"pay_currency":   "usd",
		"starts_at":      "2024-06-01T06:00:00Z",
		"ends_at":        "2024-06-01T14:00:00Z",
		"required_count": required,
		"publish":        true,
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func createShift(t *testing.T, srv *testServer, requester string, required int) domain.Shift {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/shifts", shiftBody(required), as(requester))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create shift status %d: %s", res.StatusCode, string(data))
	}
	var s domain.Shift
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal shift: %v", err)
	}
	return s
}

func applyTo(t *testing.T, srv *testServer, shiftID, candidate string) domain.Application {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/shifts/"+shiftID+"/applications", map[string]any{"message": "available"}, as(candidate))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Application
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal application: %v", err)
	}
	return a
}

func TestShiftLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	s := createShift(t, srv, "req", 1)
	if s.Status != domain.ShiftOpen || s.PayCurrency != "USD" {
		t.Fatalf("unexpected shift %+v", s)
	}
	workerApp := applyTo(t, srv, s.ID, "worker")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts/"+s.ID+"/admission", map[string]any{
		"application_id": workerApp.ID,
		"approved":       true,
	}, as("req"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admit status %d: %s", res.StatusCode, string(data))
	}
	var adm AdmissionResponse
	if err := json.Unmarshal(data, &adm); err != nil {
		t.Fatal(err)
	}
	if adm.Status != domain.ApplicationAccepted || adm.ShiftStatus != domain.ShiftInProgress || adm.AdmittedCount != 1 || adm.RequiredCount != 1 {
		t.Fatalf("unexpected admission %+v", adm)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts/"+s.ID+"/completion", map[string]any{"caller_role": "requester"}, as("req"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
	}
	var first CompletionResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatal(err)
	}
	if !first.UserCompleted || first.BothCompleted || first.State != "awaiting_other_party" {
		t.Fatalf("unexpected first confirmation %+v", first)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts/"+s.ID+"/completion", map[string]any{"caller_role": "fulfiller"}, as("worker"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
	}
	var second CompletionResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatal(err)
	}
	if !second.BothCompleted || second.RecordID == "" || second.State != "completed" {
		t.Fatalf("unexpected second confirmation %+v", second)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/records/"+second.RecordID, nil, as("worker"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.CompletionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ShiftID != s.ID || rec.RequesterID != "req" || len(rec.FulfillerIDs) != 1 || rec.FulfillerIDs[0] != "worker" {
		t.Fatalf("unexpected record %+v", rec)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/records/"+second.RecordID, nil, as("stranger"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger should not read the record, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts/"+s.ID+"/ratings", map[string]any{
		"rated_party_id": "worker",
		"score":          5,
		"comment":        "on time",
	}, as("req"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rate status %d: %s", res.StatusCode, string(data))
	}
	var rating RatingResponse
	if err := json.Unmarshal(data, &rating); err != nil {
		t.Fatal(err)
	}
	if !rating.Accepted || rating.Reputation.Average != 5 || rating.Reputation.Count != 1 {
		t.Fatalf("unexpected rating outcome %+v", rating)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts/"+s.ID+"/ratings", map[string]any{
		"rated_party_id": "worker",
		"score":          1,
	}, as("req"))
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "duplicate_rating" {
		t.Fatalf("expected duplicate_rating, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/users/worker/reputation", nil, as("anyone"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reputation status %d: %s", res.StatusCode, string(data))
	}
	var rep domain.UserReputation
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Count != 1 || rep.Average != 5 {
		t.Fatalf("unexpected reputation %+v", rep)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/users/worker/records", nil, as("worker"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("records status %d: %s", res.StatusCode, string(data))
	}
	var recs []domain.CompletionRecord
	if err := json.Unmarshal(data, &recs); err != nil || len(recs) != 1 {
		t.Fatalf("expected one record, got %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=user&entity_id=worker", nil, as("req"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("user events status %d: %s", res.StatusCode, string(data))
	}
	var userEvents paginatedEvents
	if err := json.Unmarshal(data, &userEvents); err != nil {
		t.Fatal(err)
	}
	if len(userEvents.Items) != 1 || userEvents.Items[0].Type != "reputation.recomputed" {
		t.Fatalf("expected one reputation.recomputed event, got %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=reputation", nil, as("req"))
	if res.StatusCode != http.StatusBadRequest && res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected unknown entity kind to be refused, got %d: %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	bad := shiftBody(1)
	bad["pay_currency"] = "EURO"
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts", bad, as("req"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "validation_failed" || env.Error.Details["field"] != "pay_currency" {
		t.Fatalf("unexpected validation envelope %+v", env)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/shifts/missing", nil, as("req"))
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %d: %s", res.StatusCode, string(data))
	}

	s := createShift(t, srv, "req", 1)
	first := applyTo(t, srv, s.ID, "c1")
	second := applyTo(t, srv, s.ID, "c2")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts/"+s.ID+"/admission", map[string]any{
		"application_id": second.ID,
		"approved":       true,
	}, as("c2"))
	if res.StatusCode != http.StatusForbidden || decodeError(t, data).Error.Code != "unauthorized_party" {
		t.Fatalf("expected unauthorized_party, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts/"+s.ID+"/admission", map[string]any{
		"application_id": first.ID,
		"approved":       true,
	}, as("req"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts/"+s.ID+"/admission", map[string]any{
		"application_id": second.ID,
		"approved":       true,
	}, as("req"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "shift_full" || env.Error.Details["retryable"] != true {
		t.Fatalf("unexpected capacity envelope %+v", env)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts/"+s.ID+"/ratings", map[string]any{
		"rated_party_id": "c1",
		"score":          4,
	}, as("req"))
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "shift_not_completed" {
		t.Fatalf("expected shift_not_completed, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/shifts/"+s.ID+"/completion", map[string]any{"caller_role": "fulfiller"}, as("c2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admitted fulfiller should be refused, got %d: %s", res.StatusCode, string(data))
	}
}

func TestIdentity(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/shifts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "unauthorized" {
		t.Fatalf("expected 401 without identity, got %d: %s", res.StatusCode, string(data))
	}

	token, err := SignToken(testSecret, "alice", 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatal(err)
	}
	if who.ActorID != "alice" || who.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", who)
	}

	forged, err := SignToken("other-secret", "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("/v1/shifts/{shift_id}/admission")) {
		t.Fatalf("openapi document missing admission route: %d", res.StatusCode)
	}
}

func TestSDKClient(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	clientFor := func(actor string) *shiftlinesdk.Client {
		token, err := SignToken(testSecret, actor, 0)
		if err != nil {
			t.Fatalf("sign %s: %v", actor, err)
		}
		return shiftlinesdk.New(srv.URL, token)
	}
	requester := clientFor("req")
	worker := clientFor("worker")
	late := clientFor("late")

	s, err := requester.CreateShift(ctx, shiftlinesdk.NewShift{
		Title: "Stocktake", PayAmount: 5000, PayCurrency: "GBP",
		StartsAt: "2024-07-01T08:00:00Z", EndsAt: "2024-07-01T12:00:00Z", RequiredCount: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Status != domain.ShiftDraft {
		t.Fatalf("expected draft, got %s", s.Status)
	}
	if _, err := worker.Apply(ctx, s.ID, ""); err == nil {
		t.Fatalf("expected draft shift to refuse applications")
	}
	if s, err = requester.PublishShift(ctx, s.ID); err != nil || s.Status != domain.ShiftOpen {
		t.Fatalf("publish: %+v %v", s, err)
	}
	workerApp, err := worker.Apply(ctx, s.ID, "ready")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	lateApp, err := late.Apply(ctx, s.ID, "")
	if err != nil {
		t.Fatalf("late apply: %v", err)
	}
	if own, err := late.ListApplications(ctx, s.ID); err != nil || len(own) != 1 || own[0].CandidateID != "late" {
		t.Fatalf("candidate should only see own application: %+v %v", own, err)
	}
	if all, err := requester.ListApplications(ctx, s.ID); err != nil || len(all) != 2 {
		t.Fatalf("requester should see all applications: %+v %v", all, err)
	}
	if adm, err := requester.Admit(ctx, s.ID, workerApp.ID, true); err != nil || adm.ShiftStatus != domain.ShiftInProgress {
		t.Fatalf("admit: %+v %v", adm, err)
	}
	_, err = requester.Admit(ctx, s.ID, lateApp.ID, true)
	var apiErr *shiftlinesdk.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "shift_full" || !shiftlinesdk.IsRetryable(err) {
		t.Fatalf("expected retryable shift_full, got %v", err)
	}

	if c, err := worker.Confirm(ctx, s.ID, domain.RoleFulfiller); err != nil || c.BothCompleted {
		t.Fatalf("worker confirm: %+v %v", c, err)
	}
	done, err := requester.Confirm(ctx, s.ID, domain.RoleRequester)
	if err != nil || !done.BothCompleted || done.RecordID == "" {
		t.Fatalf("requester confirm: %+v %v", done, err)
	}
	again, err := requester.Confirm(ctx, s.ID, domain.RoleRequester)
	if err != nil || again.RecordID != done.RecordID {
		t.Fatalf("repeat confirm should be idempotent: %+v %v", again, err)
	}
	rec, err := worker.ShiftRecord(ctx, s.ID)
	if err != nil || rec.ID != done.RecordID {
		t.Fatalf("shift record: %+v %v", rec, err)
	}

	if out, err := worker.Rate(ctx, s.ID, "req", 4, ""); err != nil || !out.Accepted || out.Reputation.Average != 4 {
		t.Fatalf("rate: %+v %v", out, err)
	}
	if rep, err := late.Reputation(ctx, "req"); err != nil || rep.Count != 1 {
		t.Fatalf("reputation: %+v %v", rep, err)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	c := shiftlinesdk.New(srv.URL, "")
	c.ActorID = "req"

	for i := 0; i < 3; i++ {
		if _, err := c.CreateShift(ctx, shiftlinesdk.NewShift{
			Title: "Shift", PayCurrency: "USD", RequiredCount: 1,
			StartsAt: "2024-07-01T08:00:00Z", EndsAt: "2024-07-01T12:00:00Z",
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	seen := map[int64]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := c.EventsPage(ctx, 2, cursor)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		pages++
		for _, evt := range page.Items {
			if seen[evt.ID] {
				t.Fatalf("event %d returned twice", evt.ID)
			}
			seen[evt.ID] = true
			if evt.Type != "shift.created" || evt.ActorID != "req" {
				t.Fatalf("unexpected event %+v", evt)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 3 || pages != 2 {
		t.Fatalf("expected 3 events over 2 pages, got %d over %d", len(seen), pages)
	}
}
