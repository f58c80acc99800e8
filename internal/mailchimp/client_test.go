package mailchimp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/ignite/listpilot/internal/connector"
)

func TestResolveDatacenterFromAPIKey(t *testing.T) {
	c := NewClient(Config{})

	dc, err := c.resolveDatacenter(context.Background(), credential{value: "abc123def-us14"})
	if err != nil {
		t.Fatalf("resolveDatacenter: %v", err)
	}
	if dc != "us14" {
		t.Errorf("dc = %q, want us14", dc)
	}

	_, err = c.resolveDatacenter(context.Background(), credential{value: "nosuffix"})
	if !connector.IsCredentialInvalid(err) {
		t.Errorf("key without suffix: got %v, want credential invalid", err)
	}
}

func TestResolveDatacenterFromOAuthMetadataIsCached(t *testing.T) {
	var metadataCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/metadata" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "OAuth tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		atomic.AddInt32(&metadataCalls, 1)
		json.NewEncoder(w).Encode(metadataResponse{DC: "us21"})
	}))
	defer srv.Close()

	c := NewClient(Config{LoginURL: srv.URL})
	c.SetHTTPClient(srv.Client())

	for i := 0; i < 3; i++ {
		dc, err := c.resolveDatacenter(context.Background(), credential{value: "tok-1", oauth: true})
		if err != nil {
			t.Fatalf("resolveDatacenter: %v", err)
		}
		if dc != "us21" {
			t.Errorf("dc = %q, want us21", dc)
		}
	}
	if got := atomic.LoadInt32(&metadataCalls); got != 1 {
		t.Errorf("metadata endpoint called %d times, want 1 (cached)", got)
	}
}

func TestListSubscribersOffsetPaginationAndStatusMapping(t *testing.T) {
	members := []member{
		{ID: "m1", EmailAddress: "a@example.com", Status: "subscribed",
			MergeFields: map[string]interface{}{"FNAME": "Ada", "LNAME": "Lovelace", "PHONE": "555"}},
		{ID: "m2", EmailAddress: "b@example.com", Status: "unsubscribed", LastChanged: "2024-03-01T10:00:00+00:00"},
		{ID: "m3", EmailAddress: "c@example.com", Status: "cleaned"},
		{ID: "m4", EmailAddress: "d@example.com", Status: "pending"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lists/list_1/members" {
			t.Errorf("path = %q", r.URL.Path)
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		resp := membersResponse{TotalItems: len(members)}
		// Serve two per page to exercise the offset walk.
		for i := offset; i < len(members) && i < offset+2; i++ {
			resp.Members = append(resp.Members, members[i])
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(Config{})
	c.SetHTTPClient(srv.Client())
	c.SetAPIBase(srv.URL)
	// Page size 2 matches the stub's slicing so the offset walk is exercised.
	subs, err := c.listSubscribersPaged(context.Background(), credential{value: "k-us1"}, "list_1", 2)
	if err != nil {
		t.Fatalf("listSubscribers: %v", err)
	}

	// m4 (pending) is skipped.
	if len(subs) != 3 {
		t.Fatalf("got %d records, want 3", len(subs))
	}
	if subs[0].FirstName != "Ada" || subs[0].LastName != "Lovelace" {
		t.Errorf("merge fields not mapped: %+v", subs[0])
	}
	if subs[0].Metadata["merge_PHONE"] != "555" {
		t.Errorf("extra merge field not bucketed: %v", subs[0].Metadata)
	}
	if subs[1].Status != connector.StatusUnsubscribed || subs[1].UnsubscribedAt == nil {
		t.Errorf("unsubscribed mapping wrong: %+v", subs[1])
	}
	if subs[2].Status != connector.StatusBounced {
		t.Errorf("cleaned should map to bounced, got %q", subs[2].Status)
	}
}

func TestCountSubscribers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(membersResponse{TotalItems: 20001})
	}))
	defer srv.Close()

	c := NewClient(Config{})
	c.SetHTTPClient(srv.Client())
	c.SetAPIBase(srv.URL)

	n, err := c.CountSubscribers(context.Background(), "k-us1", "list_1")
	if err != nil {
		t.Fatalf("CountSubscribers: %v", err)
	}
	if n != 20001 {
		t.Errorf("count = %d, want 20001", n)
	}
}

func TestOAuthCallsSurfaceCredentialErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{})
	c.SetHTTPClient(&http.Client{})
	c.SetAPIBase(srv.URL)

	_, err := c.ListSubscribersOAuth(context.Background(), "expired-token", "list_1")
	if !connector.IsCredentialInvalid(err) {
		t.Errorf("got %v, want credential invalid", err)
	}
}

func TestImplementsOAuthConnector(t *testing.T) {
	var c connector.Connector = NewClient(Config{})
	if _, err := connector.AsOAuth(c); err != nil {
		t.Errorf("mailchimp must be OAuth-capable: %v", err)
	}
}
