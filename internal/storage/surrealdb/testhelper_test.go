package surrealdb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	surreal "github.com/surrealdb/surrealdb.go"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
)

// testStore connects to the SurrealDB instance named by
// APIGPU_TEST_SURREAL_ADDR, using a unique database per test for isolation.
// Tests are skipped when the variable is unset.
func testStore(t *testing.T, maxSlots int) *JobStore {
	t.Helper()
	return testStoreWithClock(t, maxSlots, clockwork.NewRealClock())
}

func testStoreWithClock(t *testing.T, maxSlots int, clock interfaces.Clock) *JobStore {
	t.Helper()

	addr := os.Getenv("APIGPU_TEST_SURREAL_ADDR")
	if addr == "" {
		t.Skip("APIGPU_TEST_SURREAL_ADDR not set; skipping SurrealDB integration test")
	}

	ctx := context.Background()
	db, err := surreal.New(addr)
	if err != nil {
		t.Fatalf("connect to SurrealDB: %v", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": envOr("APIGPU_TEST_SURREAL_USER", "root"),
		"pass": envOr("APIGPU_TEST_SURREAL_PASS", "root"),
	}); err != nil {
		t.Fatalf("sign in to SurrealDB: %v", err)
	}

	// Sanitize t.Name() because subtests produce names like "Test/subtest"
	// and SurrealDB rejects "/" in database names.
	sanitized := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dbName := fmt.Sprintf("t_%s_%d", sanitized, time.Now().UnixNano()%100000)
	if err := db.Use(ctx, "apigpu_test", dbName); err != nil {
		t.Fatalf("select namespace/database: %v", err)
	}

	store, err := NewJobStoreWithDB(db, common.NewSilentLogger(), clock, maxSlots)
	if err != nil {
		t.Fatalf("init job store: %v", err)
	}

	t.Cleanup(func() {
		db.Close(context.Background())
	})

	return store
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
