package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"ms-reservation/internal/config"
	"ms-reservation/internal/database/migrations"
	"ms-reservation/internal/logger"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun/driver/pgdriver"
)

func main() {
	command := flag.String("cmd", "up", "migration command: up, down, version or to")
	target := flag.Uint("version", 0, "target version for -cmd=to")
	dir := flag.String("dir", "", "migrations directory (defaults to DB_MIGRATIONS_DIR)")
	flag.Parse()

	log := logger.NewLogger()
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()

	opts := migrations.DefaultOptions()
	opts.MigrationsDir = cfg.Database.MigrationsDir
	if *dir != "" {
		opts.MigrationsDir = *dir
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN)))
	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("❌ Failed to connect to Postgres: %v", err))
	}

	runner := migrations.NewRunner(sqldb, opts, log)
	err := run(runner, *command, *target)
	if cerr := runner.Close(); cerr != nil {
		log.Warn("MIGRATE", fmt.Sprintf("close: %v", cerr))
	}
	if err != nil {
		log.Error("MIGRATE", err.Error())
		os.Exit(1)
	}
}

func run(runner *migrations.Runner, command string, target uint) error {
	switch command {
	case "up":
		return runner.MigrateUp()
	case "down":
		return runner.MigrateDown()
	case "to":
		return runner.MigrateTo(target)
	case "version":
		v, ok, err := runner.Version()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("no migrations applied")
			return nil
		}
		fmt.Printf("schema version %d\n", v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
