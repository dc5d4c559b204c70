package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/roxyhall/projectionist/config"
	"github.com/roxyhall/projectionist/db"
	"github.com/roxyhall/projectionist/events"
	"github.com/roxyhall/projectionist/jobs"
	"github.com/roxyhall/projectionist/migrations"
	"github.com/roxyhall/projectionist/resolver"
	"github.com/roxyhall/projectionist/stream"
	"github.com/roxyhall/projectionist/utils"
)

func main() {

	if err := godotenv.Load(); err != nil {
		fmt.Println(err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.GetLogLevel(),
	})))

	if utils.GetEnv("RESET_DB", "0") == "1" {
		err := os.Remove(cfg.Projectionist.DbPath)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}

	database := db.Initialize(cfg.Projectionist.DbPath)

	goose.SetBaseFS(migrations.GetMigrations())

	if err := goose.SetDialect("sqlite3"); err != nil {
		panic(err)
	}

	if err := goose.Up(database.DB, "."); err != nil {
		panic(err)
	}

	events.Init()

	sys := stream.NewSystem(database)
	if err := sys.Preload(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	res := resolver.New(database, cfg.Resolver.Endpoint, cfg.Resolver.APIKey, cfg.RefreshWindow())

	jobScheduler := jobs.SetupInBackground(cfg, res)

	if cfg.Projectionist.BackgroundJobsEnabled {
		jobScheduler.StartAsync()
		fmt.Println("Background jobs have started up in the background.")
	} else {
		fmt.Println("Background jobs are disabled.")
	}

	router := RegisterRoutes(http.NewServeMux(), cfg, sys, res)

	fmt.Printf("Projectionist is running at http://localhost%s\n", cfg.Projectionist.ListenAddr)

	if err := http.ListenAndServe(cfg.Projectionist.ListenAddr, router); err != nil {
		fmt.Println(err)
		jobScheduler.Stop()
		os.Exit(1)
	}
}
