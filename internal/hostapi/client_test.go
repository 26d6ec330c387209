package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// platformStub fakes the platform REST API with canned handlers per path.
func platformStub(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range handlers {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing bearer token on %s %s", r.Method, r.URL.Path)
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: srv.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{BaseURL: "not a url", Token: "x"}); err == nil {
		t.Error("invalid base URL accepted")
	}
	if _, err := NewClient(Config{BaseURL: "http://host:8123"}); err == nil {
		t.Error("missing token accepted")
	}
}

func TestClient_CallServiceFlattensTarget(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := platformStub(t, map[string]http.HandlerFunc{
		"/api/services/light/turn_on": func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("method = %s", r.Method)
			}
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode body: %v", err)
			}
			w.Write([]byte(`[]`))
		},
	})
	c := testClient(t, srv)

	err := c.CallService(context.Background(), "light", "turn_on",
		map[string]any{"brightness": 128},
		map[string]any{"entity_id": "light.kitchen"})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if got["brightness"] != float64(128) || got["entity_id"] != "light.kitchen" {
		t.Fatalf("body = %v", got)
	}
}

func TestClient_StateNotFound(t *testing.T) {
	t.Parallel()

	srv := platformStub(t, map[string]http.HandlerFunc{
		"/api/states/light.gone": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		},
		"/api/states/light.kitchen": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(EntityState{
				EntityID:   "light.kitchen",
				State:      "on",
				Attributes: map[string]any{"friendly_name": "Kitchen Light"},
			})
		},
	})
	c := testClient(t, srv)

	s, err := c.State(context.Background(), "light.gone")
	if err != nil || s != nil {
		t.Fatalf("missing entity: state=%v err=%v, want nil/nil", s, err)
	}

	s, err = c.State(context.Background(), "light.kitchen")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if s.State != "on" || s.FriendlyName() != "Kitchen Light" {
		t.Fatalf("state = %+v", s)
	}
}

func TestClient_HistoryGroupsByEntity(t *testing.T) {
	t.Parallel()

	srv := platformStub(t, map[string]http.HandlerFunc{
		"/api/history/period/": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("filter_entity_id") != "sensor.temp,sensor.humid" {
				t.Errorf("filter = %q", r.URL.Query().Get("filter_entity_id"))
			}
			w.Write([]byte(`[
				[{"entity_id":"sensor.temp","state":"20.5","last_changed":"2026-08-29T10:00:00Z"},
				 {"entity_id":"sensor.temp","state":"21.0","last_changed":"2026-08-29T11:00:00Z"}]
			]`))
		},
	})
	c := testClient(t, srv)

	hist, err := c.History(context.Background(), []string{"sensor.temp", "sensor.humid"}, 24)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist["sensor.temp"]) != 2 || hist["sensor.temp"][1].State != "21.0" {
		t.Fatalf("history = %v", hist)
	}
	if points, ok := hist["sensor.humid"]; !ok || points != nil {
		t.Fatalf("entity without data should map to empty history, got %v", hist)
	}
}

func TestClient_AreasRendersTemplate(t *testing.T) {
	t.Parallel()

	srv := platformStub(t, map[string]http.HandlerFunc{
		"/api/template": func(w http.ResponseWriter, r *http.Request) {
			var req map[string]any
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["template"] == "" {
				t.Errorf("bad template request: %v (%v)", req, err)
			}
			w.Write([]byte(`[{"id":"kitchen","name":"Kitchen","entities":["light.kitchen"]}]`))
		},
	})
	c := testClient(t, srv)

	areas, err := c.Areas(context.Background(), false)
	if err != nil {
		t.Fatalf("Areas: %v", err)
	}
	if len(areas) != 1 || areas[0].Name != "Kitchen" {
		t.Fatalf("areas = %v", areas)
	}
	if areas[0].Entities != nil {
		t.Fatal("entities not stripped when includeEntities is false")
	}

	areas, err = c.Areas(context.Background(), true)
	if err != nil {
		t.Fatalf("Areas: %v", err)
	}
	if len(areas[0].Entities) != 1 {
		t.Fatalf("entities = %v", areas[0].Entities)
	}
}

func TestClient_StatusErrorIncludesBody(t *testing.T) {
	t.Parallel()

	srv := platformStub(t, map[string]http.HandlerFunc{
		"/api/events/test_event": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "event rejected", http.StatusBadRequest)
		},
	})
	c := testClient(t, srv)

	err := c.FireEvent(context.Background(), "test_event", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var se *statusError
	if !errors.As(err, &se) || se.code != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	srv := platformStub(t, map[string]http.HandlerFunc{
		"/api/states": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]EntityState{
				{EntityID: "light.kitchen", State: "on", Attributes: map[string]any{"friendly_name": "Kitchen Light"}},
				{EntityID: "light.bedroom", State: "off", Attributes: map[string]any{"friendly_name": "Bedroom Light"}},
				{EntityID: "switch.kettle", State: "off", Attributes: map[string]any{"friendly_name": "Kettle"}},
			})
		},
	})
	c := testClient(t, srv)
	ctx := context.Background()

	tests := []struct {
		name    string
		spoken  string
		domain  string
		want    string
		wantErr bool
	}{
		{name: "exact entity id", spoken: "light.kitchen", want: "light.kitchen"},
		{name: "exact friendly name", spoken: "Kitchen Light", want: "light.kitchen"},
		{name: "case insensitive", spoken: "kitchen light", want: "light.kitchen"},
		{name: "fuzzy", spoken: "kichen light", want: "light.kitchen"},
		{name: "domain filter", spoken: "kettle", domain: "switch", want: "switch.kettle"},
		{name: "no match", spoken: "garage door opener", wantErr: true},
		{name: "empty", spoken: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Resolve(ctx, tt.spoken, tt.domain)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("resolved to %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()

	var hits int
	srv := platformStub(t, map[string]http.HandlerFunc{
		"GET /api/": func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.WriteHeader(http.StatusInternalServerError)
		},
	})
	c := testClient(t, srv)
	ctx := context.Background()

	// Five consecutive 5xx responses trip the breaker.
	for range 5 {
		if err := c.Ping(ctx); err == nil {
			t.Fatal("Ping succeeded against a failing platform")
		}
	}
	hitsBefore := hits

	err := c.Ping(ctx)
	if !errors.Is(err, ErrPlatformUnavailable) {
		t.Fatalf("Ping after trip = %v, want ErrPlatformUnavailable", err)
	}
	if hits != hitsBefore {
		t.Errorf("open breaker still reached the platform (%d extra hits)", hits-hitsBefore)
	}
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	srv := platformStub(t, map[string]http.HandlerFunc{
		"GET /api/": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		},
	})
	c := testClient(t, srv)
	ctx := context.Background()

	for range 10 {
		err := c.Ping(ctx)
		if err == nil {
			t.Fatal("Ping succeeded on 400")
		}
		if errors.Is(err, ErrPlatformUnavailable) {
			t.Fatal("breaker tripped on 4xx responses")
		}
	}
}
