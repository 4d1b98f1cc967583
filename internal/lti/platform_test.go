package lti_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/edulink-ai/lti-gateway/internal/db"
	"github.com/edulink-ai/lti-gateway/internal/lti"
)

func openTestDB(t *testing.T) *lti.SQLRegistry {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "registry.db")
	database, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return lti.NewSQLRegistry(database)
}

func TestSQLRegistryRoundTrip(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	p := lti.Platform{
		Issuer:        "https://lms.example.edu",
		ClientID:      "client-1",
		AuthLoginURL:  "https://lms.example.edu/auth",
		AuthTokenURL:  "https://lms.example.edu/token",
		KeySetURL:     "https://lms.example.edu/jwks",
		DeploymentIDs: []string{"dep-1", "dep-2"},
		CustomParams:  map[string]string{"course_id": "c1"},
		Active:        true,
		GroupID:       "campus-a",
	}
	if err := r.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := r.Lookup(ctx, p.Issuer, p.ClientID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.KeySetURL != p.KeySetURL || got.GroupID != "campus-a" {
		t.Fatalf("lookup returned %+v", got)
	}
	if len(got.DeploymentIDs) != 2 || got.DeploymentIDs[0] != "dep-1" {
		t.Fatalf("DeploymentIDs = %v", got.DeploymentIDs)
	}
	if got.CustomParams["course_id"] != "c1" {
		t.Fatalf("CustomParams = %v", got.CustomParams)
	}

	if _, err := r.Lookup(ctx, p.Issuer, "client-unknown"); !errors.Is(err, lti.ErrPlatformNotFound) {
		t.Fatalf("unknown lookup: got %v", err)
	}
}

func TestSQLRegistryUpdateDelete(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	p := lti.Platform{
		Issuer:       "https://lms.example.edu",
		ClientID:     "client-1",
		AuthLoginURL: "https://lms.example.edu/auth",
		KeySetURL:    "https://lms.example.edu/jwks",
		Active:       true,
	}
	if err := r.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	p.Active = false
	p.DeploymentIDs = []string{"dep-9"}
	if err := r.Update(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := r.Lookup(ctx, p.Issuer, p.ClientID)
	if got.Active {
		t.Fatal("update did not deactivate")
	}
	if len(got.DeploymentIDs) != 1 || got.DeploymentIDs[0] != "dep-9" {
		t.Fatalf("DeploymentIDs = %v", got.DeploymentIDs)
	}

	if err := r.Delete(ctx, p.Issuer, p.ClientID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.Delete(ctx, p.Issuer, p.ClientID); !errors.Is(err, lti.ErrPlatformNotFound) {
		t.Fatalf("second delete: got %v", err)
	}
}

func TestSQLRegistryActiveGroups(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	mk := func(iss, client, group string, active bool) lti.Platform {
		return lti.Platform{
			Issuer:       iss,
			ClientID:     client,
			AuthLoginURL: "https://lms.example.edu/auth",
			KeySetURL:    "https://lms.example.edu/jwks",
			Active:       active,
			GroupID:      group,
		}
	}
	for _, p := range []lti.Platform{
		mk("https://a.example.edu", "c1", "campus-a", true),
		mk("https://a.example.edu", "c2", "campus-a", true),
		mk("https://b.example.edu", "c1", "campus-b", false),
	} {
		if err := r.Create(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	groups, err := r.ActiveGroups(ctx)
	if err != nil {
		t.Fatalf("active groups: %v", err)
	}
	if len(groups) != 1 || groups[0] != "campus-a" {
		t.Fatalf("groups = %v, want [campus-a]", groups)
	}
}

func TestSQLRegistryLookupIssuer(t *testing.T) {
	r := openTestDB(t)
	ctx := context.Background()

	p := lti.Platform{
		Issuer:       "https://solo.example.edu",
		ClientID:     "c1",
		AuthLoginURL: "https://solo.example.edu/auth",
		KeySetURL:    "https://solo.example.edu/jwks",
		Active:       true,
	}
	if err := r.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := r.LookupIssuer(ctx, p.Issuer)
	if err != nil {
		t.Fatalf("lookup issuer: %v", err)
	}
	if got.ClientID != "c1" {
		t.Fatalf("ClientID = %q", got.ClientID)
	}

	// A second registration makes the issuer ambiguous.
	p2 := p
	p2.ClientID = "c2"
	if err := r.Create(ctx, p2); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.LookupIssuer(ctx, p.Issuer); !errors.Is(err, lti.ErrPlatformNotFound) {
		t.Fatalf("ambiguous issuer: got %v", err)
	}
}

func TestPlatformAuthorizes(t *testing.T) {
	p := lti.Platform{Active: true, DeploymentIDs: []string{"dep-1"}}
	if !p.Authorizes("dep-1") {
		t.Error("declared deployment rejected")
	}
	if p.Authorizes("dep-2") {
		t.Error("undeclared deployment accepted")
	}

	open := lti.Platform{Active: true}
	if !open.Authorizes("anything") {
		t.Error("open platform rejected a deployment")
	}
	if open.Authorizes("") {
		t.Error("open platform accepted an empty deployment id")
	}

	inactive := lti.Platform{Active: false, DeploymentIDs: []string{"dep-1"}}
	if inactive.Authorizes("dep-1") {
		t.Error("inactive platform authorized a launch")
	}
}
