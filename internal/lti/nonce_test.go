package lti_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/edulink-ai/lti-gateway/internal/db"
	"github.com/edulink-ai/lti-gateway/internal/lti"
)

var testPlatform = lti.Platform{
	Issuer:   "https://lms.example.edu",
	ClientID: "client-1",
	Active:   true,
}

func TestMemoryNonceSingleUse(t *testing.T) {
	s := lti.NewMemoryNonceStore()
	ctx := context.Background()

	pl, err := s.Issue(ctx, testPlatform, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := s.Consume(ctx, pl.Nonce, pl.State)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if got.Issuer != testPlatform.Issuer || got.ClientID != testPlatform.ClientID {
		t.Fatalf("consumed login bound to %q/%q", got.Issuer, got.ClientID)
	}
	if _, err := s.Consume(ctx, pl.Nonce, pl.State); !errors.Is(err, lti.ErrAuthentication) {
		t.Fatalf("second consume: got %v, want ErrAuthentication", err)
	}
}

func TestMemoryNonceStateMismatch(t *testing.T) {
	s := lti.NewMemoryNonceStore()
	ctx := context.Background()

	pl, _ := s.Issue(ctx, testPlatform, time.Minute)
	if _, err := s.Consume(ctx, pl.Nonce, "wrong-state"); !errors.Is(err, lti.ErrAuthentication) {
		t.Fatalf("got %v, want ErrAuthentication", err)
	}
	// A mismatched state burns the nonce.
	if _, err := s.Consume(ctx, pl.Nonce, pl.State); !errors.Is(err, lti.ErrAuthentication) {
		t.Fatalf("nonce survived a mismatched consume: %v", err)
	}
}

func TestMemoryNonceExpiry(t *testing.T) {
	now := time.Now()
	s := lti.NewMemoryNonceStore()
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	pl, _ := s.Issue(ctx, testPlatform, time.Minute)
	now = now.Add(2 * time.Minute)
	if _, err := s.Consume(ctx, pl.Nonce, pl.State); !errors.Is(err, lti.ErrAuthentication) {
		t.Fatalf("got %v, want ErrAuthentication", err)
	}
}

func TestMemoryNonceConcurrentConsume(t *testing.T) {
	s := lti.NewMemoryNonceStore()
	ctx := context.Background()
	pl, _ := s.Issue(ctx, testPlatform, time.Minute)

	const racers = 32
	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.Consume(ctx, pl.Nonce, pl.State); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d consumers succeeded, want exactly 1", wins)
	}
}

func TestSQLNonceStore(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "nonce.db")
	database, err := db.Open(ctx, db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()

	s := lti.NewSQLNonceStore(database)
	pl, err := s.Issue(ctx, testPlatform, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := s.Consume(ctx, pl.Nonce, pl.State)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Issuer != testPlatform.Issuer {
		t.Fatalf("issuer = %q", got.Issuer)
	}
	if _, err := s.Consume(ctx, pl.Nonce, pl.State); !errors.Is(err, lti.ErrAuthentication) {
		t.Fatalf("second consume: got %v, want ErrAuthentication", err)
	}
	if _, err := s.Consume(ctx, "no-such-nonce", pl.State); !errors.Is(err, lti.ErrAuthentication) {
		t.Fatalf("unknown nonce: got %v, want ErrAuthentication", err)
	}
}

func TestRedisNonceStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := lti.NewRedisNonceStore(rdb)
	ctx := context.Background()

	pl, err := s.Issue(ctx, testPlatform, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := s.Consume(ctx, pl.Nonce, pl.State)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Issuer != testPlatform.Issuer || got.ClientID != testPlatform.ClientID {
		t.Fatalf("consumed login bound to %q/%q", got.Issuer, got.ClientID)
	}
	if _, err := s.Consume(ctx, pl.Nonce, pl.State); !errors.Is(err, lti.ErrAuthentication) {
		t.Fatalf("second consume: got %v, want ErrAuthentication", err)
	}

	// Expired key is gone.
	pl2, _ := s.Issue(ctx, testPlatform, time.Minute)
	mr.FastForward(2 * time.Minute)
	if _, err := s.Consume(ctx, pl2.Nonce, pl2.State); !errors.Is(err, lti.ErrAuthentication) {
		t.Fatalf("expired consume: got %v, want ErrAuthentication", err)
	}
}

func TestRedisNonceStateMismatch(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := lti.NewRedisNonceStore(rdb)
	ctx := context.Background()

	pl, _ := s.Issue(ctx, testPlatform, time.Minute)
	if _, err := s.Consume(ctx, pl.Nonce, "bad-state"); !errors.Is(err, lti.ErrAuthentication) {
		t.Fatalf("got %v, want ErrAuthentication", err)
	}
	// Mismatch does not delete: the real state still redeems.
	if _, err := s.Consume(ctx, pl.Nonce, pl.State); err != nil {
		t.Fatalf("consume after mismatch: %v", err)
	}
}
