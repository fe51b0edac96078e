package account

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRefresherMapsTokenResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("refresh_token"); got != "R1" {
			t.Errorf("refresh_token = %q, want R1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"T2","refresh_token":"R2","id_token":"ID2","account_id":"acct-2"}`))
	}))
	defer server.Close()

	ref := NewRefresher("client-1", "")
	ref.SetTokenURL(server.URL)

	set, err := ref.Refresh(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := "T2"
	if set.AccessToken != want {
		t.Fatalf("AccessToken = %q, want %q", set.AccessToken, want)
	}
	if set.RefreshToken != "R2" || set.IDToken != "ID2" || set.AccountID != "acct-2" {
		t.Fatalf("mapped set = %+v, want every response field carried over", set)
	}
}

func TestRefresherSurfacesUpstreamRejection(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	ref := NewRefresher("client-1", "")
	ref.SetTokenURL(server.URL)

	if _, err := ref.Refresh(context.Background(), "R1"); err == nil {
		t.Fatal("expected the upstream rejection to surface")
	}
}
