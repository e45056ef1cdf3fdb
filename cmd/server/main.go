/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the key allocation engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Build the key source from the format config (fail fast on bad config)
  3. Initialize SQLite store
  4. Create API handler with dependencies
  5. Start the expiry scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: keyvault.db)
           Use ":memory:" for an in-memory database
  -format  JSON key-format definition (default: built-in retail format)

CONFIG ERRORS:
  A malformed key format is a deployment mistake. The process refuses
  to start and reports the offending field, rather than limping along
  and minting weak keys.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the expiry scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/keyvault.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run with a custom key shape
  ./server -format='{"groups":3,"group_length":4}'

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/keyvault/api"
	"github.com/warp/keyvault/factory"
	"github.com/warp/keyvault/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "keyvault.db", "SQLite database path")
	formatJSON := flag.String("format", factory.DefaultFormatJSON(), "key format JSON")
	flag.Parse()

	// Build the key source first: a bad format must stop the boot.
	source, err := factory.NewFormatFactory().ParseFormat(*formatJSON)
	if err != nil {
		log.Fatalf("Invalid key format: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Initialize handler
	handler := api.NewHandler(store, source)

	// Start the expiry scheduler
	scheduler := api.NewExpiryScheduler(handler.Revocation)
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("🔑 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
