// Command migrate applies or rolls back the embedded database migrations.
package main

import (
	"flag"
	"fmt"
	"os"

	"virtualspace/backend/internal/config"
	"virtualspace/backend/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	switch *direction {
	case "up":
		err = migrate.Up(cfg.DatabaseURL)
	case "down":
		err = migrate.Down(cfg.DatabaseURL)
	default:
		fmt.Fprintln(os.Stderr, "migrate: unknown direction", *direction)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	fmt.Println("migrations", *direction, "complete")
}
