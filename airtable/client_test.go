package airtable_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/airtablemcp/server-go/airtable"
)

func mustClient(t *testing.T, handler http.Handler) *airtable.HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := airtable.NewHTTPClient("pat-test-token", airtable.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestListBasesFoldsPagination(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /meta/bases", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "" {
			_, _ = w.Write([]byte(`{"bases":[{"id":"appOne","name":"CRM"}],"offset":"page2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"bases":[{"id":"appTwo","name":"Inventory"}]}`))
	})

	c := mustClient(t, mux)
	bases, err := c.ListBases(context.Background())
	if err != nil {
		t.Fatalf("list bases: %v", err)
	}
	if want, got := 2, len(bases); want != got {
		t.Fatalf("unexpected base count: want %d got %d", want, got)
	}
	if want, got := "appTwo", bases[1].ID; want != got {
		t.Fatalf("unexpected second base: want %q got %q", want, got)
	}
	if want, got := "Bearer pat-test-token", gotAuth; want != got {
		t.Fatalf("unexpected auth header: want %q got %q", want, got)
	}
}

func TestListRecordsHonorsMaxRecords(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /appABC/Tasks", func(w http.ResponseWriter, r *http.Request) {
		if want, got := "2", r.URL.Query().Get("maxRecords"); want != got {
			t.Errorf("unexpected maxRecords: want %q got %q", want, got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[
			{"id":"rec1","fields":{"Name":"first"}},
			{"id":"rec2","fields":{"Name":"second"}}
		]}`))
	})

	c := mustClient(t, mux)
	recs, err := c.ListRecords(context.Background(), "appABC", "Tasks", 2)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if want, got := 2, len(recs); want != got {
		t.Fatalf("unexpected record count: want %d got %d", want, got)
	}
	if want, got := "first", recs[0].Fields["Name"]; want != got {
		t.Fatalf("unexpected field: want %v got %v", want, got)
	}
}

func TestCreateRecordPostsFields(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /appABC/Tasks", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if want, got := "Ship it", body.Fields["Name"]; want != got {
			t.Errorf("unexpected field: want %v got %v", want, got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"recNew","createdTime":"2025-01-01T00:00:00.000Z","fields":{"Name":"Ship it"}}`))
	})

	c := mustClient(t, mux)
	rec, err := c.CreateRecord(context.Background(), "appABC", "Tasks", map[string]any{"Name": "Ship it"})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if want, got := "recNew", rec.ID; want != got {
		t.Fatalf("unexpected record id: want %q got %q", want, got)
	}
}

func TestUpdateRecordPatches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /appABC/Tasks/rec1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"rec1","fields":{"Done":true}}`))
	})

	c := mustClient(t, mux)
	rec, err := c.UpdateRecord(context.Background(), "appABC", "Tasks", "rec1", map[string]any{"Done": true})
	if err != nil {
		t.Fatalf("update record: %v", err)
	}
	if rec.Fields["Done"] != true {
		t.Fatalf("unexpected fields: %v", rec.Fields)
	}
}

func TestDeleteRecordConfirms(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /appABC/Tasks/rec1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"rec1","deleted":true}`))
	})

	c := mustClient(t, mux)
	id, err := c.DeleteRecord(context.Background(), "appABC", "Tasks", "rec1")
	if err != nil {
		t.Fatalf("delete record: %v", err)
	}
	if want, got := "rec1", id; want != got {
		t.Fatalf("unexpected deleted id: want %q got %q", want, got)
	}
}

func TestErrorEnvelopeMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /meta/bases/appBad/tables", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"NOT_FOUND","message":"Base appBad not found"}}`))
	})
	mux.HandleFunc("GET /appABC/Tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"INVALID_FILTER_BY_FORMULA"}`))
	})

	c := mustClient(t, mux)

	_, err := c.ListTables(context.Background(), "appBad")
	if !errors.Is(err, airtable.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	var apiErr *airtable.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError in chain, got %v", err)
	}
	if want, got := "NOT_FOUND", apiErr.Type; want != got {
		t.Fatalf("unexpected error type: want %q got %q", want, got)
	}

	_, err = c.ListRecords(context.Background(), "appABC", "Tasks", 0)
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if want, got := "INVALID_FILTER_BY_FORMULA", apiErr.Message; want != got {
		t.Fatalf("unexpected error message: want %q got %q", want, got)
	}
}
