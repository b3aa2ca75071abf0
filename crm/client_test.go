package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGetLeadFullInfo_ServerErrorReturnsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	t.Setenv("CRM_BASE_URL", srv.URL)

	c := NewClient()
	if _, err := c.GetLeadFullInfo(context.Background(), 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGetLeadFullInfo_CompanyFailureDegrades(t *testing.T) {
	// The lead itself resolves but the embedded company fetch answers 502.
	// Intake must still get the lead data back, with the dealer field empty.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/v4/leads/") {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":7,"name":"Lead 7","_embedded":{"companies":[{"id":55}]}}`)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	t.Setenv("CRM_BASE_URL", srv.URL)

	c := NewClient()
	info, err := c.GetLeadFullInfo(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetLeadFullInfo: %v", err)
	}
	if info.LeadName != "Lead 7" {
		t.Fatalf("expected lead name preserved, got %q", info.LeadName)
	}
	if info.DealerMeasurer != "" || info.CompanyName != "" {
		t.Fatalf("expected empty dealer data after company failure, got %q/%q", info.DealerMeasurer, info.CompanyName)
	}
}

func TestGetLeadFullInfo_ContactAndUserFailuresDegrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/v4/leads/") {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":8,"name":"Lead 8","responsible_user_id":3,"_embedded":{"contacts":[{"id":12}]}}`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	t.Setenv("CRM_BASE_URL", srv.URL)

	c := NewClient()
	info, err := c.GetLeadFullInfo(context.Background(), 8)
	if err != nil {
		t.Fatalf("GetLeadFullInfo: %v", err)
	}
	if info.ContactName != "" || info.ResponsibleUser != "" {
		t.Fatalf("expected empty contact/user data, got %q/%q", info.ContactName, info.ResponsibleUser)
	}
}
