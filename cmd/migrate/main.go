// Command migrate applies the fraudshield schema (transactions,
// fraud_reports and users) to the database at DATABASE_URL. The SQL is
// embedded in the binary, so it runs from any working directory.
//
// Usage:
//
//	migrate up                 # create or upgrade the fraud tables
//	migrate down               # roll back the newest migration
//	migrate status             # list applied and pending migrations
//	migrate version            # print the schema version
//	migrate redo               # roll back and re-apply the newest migration
//	migrate up-to 2            # stop after fraud_reports
//	migrate down-to 1          # keep only the transactions table
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/fraudshield/internal/logging"
	"github.com/mbd888/fraudshield/internal/retry"
	"github.com/mbd888/fraudshield/migrations"
)

const usage = `Usage: migrate <command> [version]

Commands:
  up, down, status, version, redo, up-to <version>, down-to <version>

Migrations:
  1  transactions   submitted payments and their fraud decision
  2  fraud_reports  one regulator report per fraudulent transaction
  3  users          payer phone directory for fraud alerts`

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		return 1
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err = retry.Do(ctx, retry.Startup, db.PingContext, func(attempt int, err error) {
		logger.Warn("database not reachable, retrying", "attempt", attempt, "error", err)
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}

	command := os.Args[1]
	if err := migrations.Run(ctx, db, command, os.Args[2:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		return 1
	}
	logger.Info("migration finished", "command", command)
	return 0
}
