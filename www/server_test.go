package www

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pcclink/config"
	"pcclink/plcman"
)

func testHandlers(t *testing.T, users []config.UserConfig) *Handlers {
	t.Helper()

	cfg := &config.Config{
		Web: config.WebConfig{Users: users},
		PLCs: []config.PLCConfig{
			{
				Name:    "press",
				Family:  config.FamilySLC,
				Address: "127.0.0.1:1",
				Tags:    []config.TagConfig{{Address: "N7:0", Writable: true}},
			},
		},
	}

	return &Handlers{
		cfg:      cfg,
		manager:  plcman.NewManager(cfg),
		sessions: newSessionStore(""),
		hub:      NewEventHub(),
	}
}

func TestListPLCsOpenWhenNoUsers(t *testing.T) {
	h := testHandlers(t, nil)
	srv := httptest.NewServer(h.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/plcs")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var plcs []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&plcs); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(plcs) != 1 || plcs[0]["name"] != "press" {
		t.Errorf("plcs = %v", plcs)
	}
}

func TestAuthRequiredWhenUsersConfigured(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	h := testHandlers(t, []config.UserConfig{{Username: "op", PasswordHash: hash, Role: "admin"}})
	srv := httptest.NewServer(h.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/plcs")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Bad password is rejected.
	body, _ := json.Marshal(map[string]string{"username": "op", "password": "wrong"})
	resp, err = http.Post(srv.URL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /login failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want 401", resp.StatusCode)
	}

	// Good login yields a session cookie that opens the API.
	body, _ = json.Marshal(map[string]string{"username": "op", "password": "secret"})
	resp, err = http.Post(srv.URL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /login failed: %v", err)
	}
	cookies := resp.Cookies()
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	if len(cookies) == 0 {
		t.Fatal("login set no cookies")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/plcs", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestViewerCannotWrite(t *testing.T) {
	hash, _ := HashPassword("pw")
	h := testHandlers(t, []config.UserConfig{{Username: "view", PasswordHash: hash}})
	srv := httptest.NewServer(h.router())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"username": "view", "password": "pw"})
	resp, err := http.Post(srv.URL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /login failed: %v", err)
	}
	cookies := resp.Cookies()
	resp.Body.Close()

	writeBody, _ := json.Marshal(map[string]interface{}{"value": 1})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/plcs/press/tags/N7:0", bytes.NewReader(writeBody))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("viewer write status = %d, want 403", resp.StatusCode)
	}
}

func TestUnknownPLCIs404(t *testing.T) {
	h := testHandlers(t, nil)
	srv := httptest.NewServer(h.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/plcs/nope/tags")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEventHubBroadcast(t *testing.T) {
	hub := NewEventHub()
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	hub.Broadcast(SSEEvent{Type: "value-change", Data: ValueUpdate{PLC: "p", Tag: "t", Value: 5}})

	select {
	case payload := <-ch:
		var event SSEEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if event.Type != "value-change" {
			t.Errorf("event type = %q", event.Type)
		}
	default:
		t.Fatal("no event queued")
	}

	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", hub.ClientCount())
	}
}
