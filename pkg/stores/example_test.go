package stores_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/stores"
)

// ExampleOpen demonstrates opening and migrating a binding store.
func ExampleOpen() {
	dir, err := os.MkdirTemp("", "sitebind-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{
		Path:            filepath.Join(dir, "bindings.db"),
		MaxOpenConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_UpdateBinding demonstrates compare-and-swap updates.
func ExampleSQLiteStore_UpdateBinding() {
	dir, _ := os.MkdirTemp("", "sitebind-example")
	defer os.RemoveAll(dir)

	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: filepath.Join(dir, "bindings.db")})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	rec := &engine.BindingRecord{
		BindingID: "dev.example.com",
		Desired:   engine.DesiredState{Domain: "dev.example.com"},
		Status:    engine.StatusPendingDNSValidation,
	}
	_ = store.CreateBinding(ctx, rec)

	stale, _ := store.GetBinding(ctx, "dev.example.com")

	rec.Status = engine.StatusPendingCertificateIssuance
	if err := store.UpdateBinding(ctx, rec); err != nil {
		log.Fatal(err)
	}
	fmt.Println("version:", rec.Version)

	stale.Status = engine.StatusBlocked
	err = store.UpdateBinding(ctx, stale)
	fmt.Println("stale write rejected:", errors.Is(err, engine.ErrVersionConflict))

	// Output:
	// version: 2
	// stale write rejected: true
}
