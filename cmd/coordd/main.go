package main

import (
	"database/sql"
	"log"
	"net/http"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"

	"github.com/example/ride-sync/internal/coordserver"
	"github.com/example/ride-sync/internal/logging"
)

func main() {
	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	// optional migration: run migrations/001_create_orders.sql if requested
	if dsn := os.Getenv("PG_DSN"); dsn != "" && os.Getenv("MIGRATE") == "true" {
		if db, err := sql.Open("postgres", dsn); err == nil {
			if b, err := os.ReadFile(filepath.Join("migrations", "001_create_orders.sql")); err == nil {
				if _, err := db.Exec(string(b)); err != nil {
					log.Printf("migration exec error: %v", err)
				} else {
					log.Printf("migration applied: 001_create_orders.sql")
				}
			}
			_ = db.Close()
		} else {
			log.Printf("migration db open error: %v", err)
		}
	}

	srv, err := coordserver.NewFromEnv(logger)
	if err != nil {
		log.Fatal(err)
	}
	addr := getenv("HTTP_ADDR", ":8080")
	log.Printf("coordination server listening on %s", addr)
	if err := http.ListenAndServe(addr, srv); err != nil {
		log.Fatal(err)
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
