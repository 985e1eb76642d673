// Command checkcatalog validates an agent catalog without starting the
// server. It loads .env and WARDEN_DESTINATIONS the way the server does, so
// destination checks match production.
//
// Usage:
//
//	go run ./scripts/checkcatalog [path]
//
// The path defaults to WARDEN_REGISTRY_FILE, then config/agents.yaml. Every
// problem is printed; the exit status is 1 if any were found.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"

	"github.com/holidaibutler/warden/internal/config"
	"github.com/holidaibutler/warden/internal/schedule"
	"github.com/holidaibutler/warden/internal/service/registry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	path := cfg.RegistryFile
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cat, err := registry.LoadCatalog(path, cfg.KnownDestinations)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Printf("%s: %d agents, %d metric policies\n", path, len(cat.Agents), len(cat.Metrics))
	for _, d := range cat.Agents {
		sched, _ := schedule.Parse(d.Schedule) // validated by LoadCatalog
		state := "active"
		if !d.Active {
			state = "inactive"
		}
		fmt.Printf("  %-24s %-8s every ~%-8s %v\n", d.Key, state, sched.Interval(), d.TargetDestinations())
	}

	names := make([]string, 0, len(cat.Metrics))
	for name := range cat.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := cat.Metrics[name]
		fmt.Printf("  metric %-22s %s, %s\n", name, p.Polarity, p.Severity)
	}
}
