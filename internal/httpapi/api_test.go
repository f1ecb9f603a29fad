package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kudamusoni/chatbot-api-sub001/internal/live"
	"github.com/kudamusoni/chatbot-api-sub001/internal/projection"
	"github.com/kudamusoni/chatbot-api-sub001/internal/recorder"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage/sqlite"
	"github.com/kudamusoni/chatbot-api-sub001/internal/tenant"
)

const testTenants = `
tenants:
  - id: client-1
    name: Acme
    allowed_origins:
      - https://acme.example
`

type apiFixture struct {
	store  *sqlite.Store
	codec  *live.TokenCodec
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	registry, err := tenant.Parse([]byte(testTenants))
	if err != nil {
		t.Fatalf("parse tenants: %v", err)
	}
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rec := recorder.New(store, zerolog.Nop())
	rec.Subscribe(projection.New(store, zerolog.Nop()))

	codec, err := live.NewTokenCodec([]byte("api-test-secret"), time.Hour)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	hub := live.NewHub(16, zerolog.Nop())
	gate := live.NewGatekeeper(registry, store, live.AdmissionConfig{})
	stream := live.NewStreamHandler(store, hub, gate, codec, live.StreamConfig{}, zerolog.Nop())

	server := New(store, rec, registry, codec, stream, Config{}, zerolog.Nop())
	return &apiFixture{store: store, codec: codec, router: server.Router()}
}

func (f *apiFixture) do(t *testing.T, method, path, origin, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func (f *apiFixture) bootstrap(t *testing.T) bootstrapResponse {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/v1/bootstrap", "https://acme.example", "", bootstrapRequest{ClientID: "client-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("bootstrap status = %d: %s", rr.Code, rr.Body.String())
	}
	return decodeBody[bootstrapResponse](t, rr)
}

func TestBootstrapIssuesSession(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.bootstrap(t)
	if resp.Token == "" || resp.ConversationID == "" || resp.SessionID == "" {
		t.Fatalf("incomplete bootstrap response: %+v", resp)
	}

	claims, err := f.codec.Verify(resp.Token)
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if claims.ConversationID != resp.ConversationID {
		t.Fatalf("token conversation = %s, want %s", claims.ConversationID, resp.ConversationID)
	}
	if claims.Origin != "https://acme.example" {
		t.Fatalf("token origin = %q, want bootstrap origin", claims.Origin)
	}
}

func TestBootstrapOriginPolicy(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name     string
		origin   string
		clientID string
		wantCode int
		wantErr  string
	}{
		{"missing origin", "", "client-1", http.StatusForbidden, live.DenyOriginMissing},
		{"origin not allowed", "https://evil.example", "client-1", http.StatusForbidden, live.DenyOriginMismatch},
		{"unknown client", "https://acme.example", "nobody", http.StatusForbidden, "unknown_client"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/v1/bootstrap", tc.origin, "", bootstrapRequest{ClientID: tc.clientID})
			if rr.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantCode)
			}
			body := decodeBody[errorBody](t, rr)
			if body.Error.Code != tc.wantErr {
				t.Fatalf("code = %s, want %s", body.Error.Code, tc.wantErr)
			}
		})
	}
}

func TestPostMessageRecordsAndProjects(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.bootstrap(t)
	path := "/v1/conversations/" + sess.ConversationID + "/messages"

	rr := f.do(t, http.MethodPost, path, "", sess.Token, postMessageRequest{Text: "hello there"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[eventResponse](t, rr)
	if !resp.Created || resp.Event.Type != "message.user" {
		t.Fatalf("response = %+v, want created user message", resp)
	}

	listRR := f.do(t, http.MethodGet, path, "", sess.Token, nil)
	if listRR.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRR.Code)
	}
	list := decodeBody[struct {
		Messages []messageResponse `json:"messages"`
	}](t, listRR)
	if len(list.Messages) != 1 || list.Messages[0].Text != "hello there" {
		t.Fatalf("messages = %+v, want the recorded message", list.Messages)
	}
}

func TestPostMessageIdempotencyKeyReturnsSameEvent(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.bootstrap(t)
	path := "/v1/conversations/" + sess.ConversationID + "/messages"

	body := postMessageRequest{Text: "only once", IdempotencyKey: "msg-1"}
	first := decodeBody[eventResponse](t, f.do(t, http.MethodPost, path, "", sess.Token, body))

	rr := f.do(t, http.MethodPost, path, "", sess.Token, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rr.Code)
	}
	dup := decodeBody[eventResponse](t, rr)
	if dup.Created {
		t.Fatal("duplicate reported as created")
	}
	if dup.Event.ID != first.Event.ID {
		t.Fatalf("duplicate event id = %d, want %d", dup.Event.ID, first.Event.ID)
	}
}

func TestPostEventDrivesStateMachine(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.bootstrap(t)
	base := "/v1/conversations/" + sess.ConversationID

	rr := f.do(t, http.MethodPost, base+"/events", "", sess.Token, postEventRequest{Type: "appraisal.started"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	convRR := f.do(t, http.MethodGet, base, "", sess.Token, nil)
	if convRR.Code != http.StatusOK {
		t.Fatalf("get conversation status = %d", convRR.Code)
	}
	conv := decodeBody[conversationResponse](t, convRR)
	if conv.State != "APPRAISAL_INTAKE" {
		t.Fatalf("state = %s, want APPRAISAL_INTAKE", conv.State)
	}
}

func TestPostEventRejectsWorkerOnlyTypes(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.bootstrap(t)
	path := "/v1/conversations/" + sess.ConversationID + "/events"

	for _, typ := range []string{"valuation.completed", "valuation.failed", "message.user", "made.up"} {
		rr := f.do(t, http.MethodPost, path, "", sess.Token, postEventRequest{Type: typ})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("type %s status = %d, want 422", typ, rr.Code)
		}
	}
}

func TestPostEventRejectsUndecodableSnapshot(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.bootstrap(t)
	path := "/v1/conversations/" + sess.ConversationID + "/events"

	for _, payload := range []json.RawMessage{nil, []byte(`{}`), []byte(`{"snapshot":{}}`), []byte(`{"snapshot":"nope"}`)} {
		rr := f.do(t, http.MethodPost, path, "", sess.Token, postEventRequest{
			Type:    "valuation.requested",
			Payload: payload,
		})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("payload %s status = %d, want 422", payload, rr.Code)
		}
	}

	// Nothing reached the journal.
	events, err := f.store.ListEventsAfter(context.Background(), sess.ConversationID, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("journal holds %d events, want 0", len(events))
	}
}

func TestSessionAuthRejectsForeignConversation(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.bootstrap(t)

	rr := f.do(t, http.MethodGet, "/v1/conversations/other-conversation/messages", "", sess.Token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/v1/conversations/"+sess.ConversationID+"/messages", "", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rr.Code)
	}
}

func TestValuationListEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.bootstrap(t)
	base := "/v1/conversations/" + sess.ConversationID

	snapshot := map[string]any{"category": "watch"}
	payload, _ := json.Marshal(map[string]any{"snapshot": snapshot})
	rr := f.do(t, http.MethodPost, base+"/events", "", sess.Token, postEventRequest{
		Type:    "valuation.requested",
		Payload: payload,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("request status = %d: %s", rr.Code, rr.Body.String())
	}

	listRR := f.do(t, http.MethodGet, base+"/valuations", "", sess.Token, nil)
	list := decodeBody[struct {
		Valuations []valuationResponse `json:"valuations"`
	}](t, listRR)
	if len(list.Valuations) != 1 {
		t.Fatalf("valuations = %d, want 1", len(list.Valuations))
	}
	if list.Valuations[0].Status != "pending" {
		t.Fatalf("status = %s, want pending", list.Valuations[0].Status)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/healthz", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := decodeBody[map[string]string](t, rr)
	if body["status"] != "ok" {
		t.Fatalf("body = %v, want status ok", body)
	}
}

func TestListMessagesPagination(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.bootstrap(t)
	path := "/v1/conversations/" + sess.ConversationID + "/messages"

	for i := 0; i < 5; i++ {
		rr := f.do(t, http.MethodPost, path, "", sess.Token, postMessageRequest{Text: fmt.Sprintf("m%d", i)})
		if rr.Code != http.StatusCreated {
			t.Fatalf("post %d status = %d", i, rr.Code)
		}
	}

	rr := f.do(t, http.MethodGet, path+"?limit=2", "", sess.Token, nil)
	list := decodeBody[struct {
		Messages []messageResponse `json:"messages"`
	}](t, rr)
	if len(list.Messages) != 2 {
		t.Fatalf("page size = %d, want 2", len(list.Messages))
	}
	if list.Messages[0].Text != "m3" || list.Messages[1].Text != "m4" {
		t.Fatalf("newest page = %+v, want m3,m4", list.Messages)
	}

	older := f.do(t, http.MethodGet, fmt.Sprintf("%s?limit=2&before_event_id=%d", path, list.Messages[0].EventID), "", sess.Token, nil)
	olderList := decodeBody[struct {
		Messages []messageResponse `json:"messages"`
	}](t, older)
	if len(olderList.Messages) != 2 || olderList.Messages[1].Text != "m2" {
		t.Fatalf("older page = %+v, want ...,m2", olderList.Messages)
	}
}
