package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/studyplan/server/internal/client"
	"github.com/studyplan/server/internal/models"
	"golang.org/x/oauth2"
)

// Headless sync daemon: replicates every collection for one user into a
// local SQLite database and keeps it live until interrupted.
func main() {
	serverURL := os.Getenv("SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:5000"
	}
	token := os.Getenv("SYNC_TOKEN")
	if token == "" {
		log.Fatal("SYNC_TOKEN is required")
	}
	userID := os.Getenv("SYNC_USER_ID")
	if userID == "" {
		log.Fatal("SYNC_USER_ID is required")
	}
	dbPath := os.Getenv("SYNC_DB")
	if dbPath == "" {
		dbPath = "studyplan-client.db"
	}

	store, err := client.NewStore(dbPath)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer store.Close()

	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	transport := client.NewTransport(serverURL, tokens)

	scopes := make([]string, 0)
	for _, name := range models.CollectionNames() {
		col, _ := models.CollectionByName(name)
		scopes = append(scopes, col.Scope)
	}
	identity := client.StaticIdentity{User: userID, Scopes: scopes}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var drivers []*client.Driver
	for _, name := range models.CollectionNames() {
		col, _ := models.CollectionByName(name)
		driver := client.NewDriver(col, store, transport, identity, client.DriverOptions{})
		driver.Start(ctx)
		drivers = append(drivers, driver)

		go func(name string, d *client.Driver) {
			select {
			case <-d.InitialSyncDone():
				log.Printf("Initial sync complete: %s", name)
			case <-ctx.Done():
			}
		}(name, driver)
	}

	log.Printf("Syncing %d collections from %s to %s", len(drivers), serverURL, dbPath)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down sync client...")
	cancel()

	deadline := time.After(10 * time.Second)
	for _, d := range drivers {
		select {
		case <-d.Done():
		case <-deadline:
			log.Println("Timed out waiting for drivers to stop")
			return
		}
	}
	log.Println("Sync client stopped")
}
