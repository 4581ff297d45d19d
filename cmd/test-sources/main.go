package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/internal/sources"
	"github.com/fregster/hangar-assistant/pkg/adsb"
	"github.com/fregster/hangar-assistant/pkg/aggregator"
	"github.com/fregster/hangar-assistant/pkg/config"
	"github.com/fregster/hangar-assistant/pkg/coordinates"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	boxStyle    = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// test-sources checks every configured source, runs one aggregate query
// around the observer (or -lat/-lon), and prints per-source health and the
// merged aircraft list.
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	lat := flag.Float64("lat", 0, "Query latitude (default: observer)")
	lon := flag.Float64("lon", 0, "Query longitude (default: observer)")
	radius := flag.Float64("radius", 0, "Query radius in nm (default: aggregator default)")
	lookup := flag.String("id", "", "Also look up this ICAO, FLARM id or registration")
	all := flag.Bool("all", false, "Test every configured source, including disabled ones")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(fmt.Sprintf("Failed to load configuration: %v", err)))
		os.Exit(1)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logger.New("development", level)
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(fmt.Sprintf("Failed to create logger: %v", err)))
		os.Exit(1)
	}
	defer log.Sync()

	if *all {
		for i := range cfg.Sources {
			cfg.Sources[i].Enabled = true
		}
	}
	if *lat == 0 && *lon == 0 {
		*lat, *lon = cfg.Observer.Latitude, cfg.Observer.Longitude
	}

	manager, err := aggregator.NewManager(aggregator.Config{
		CacheSize:     cfg.Aggregator.CacheSize,
		CacheTTL:      cfg.Aggregator.CacheTTL(),
		SourceTimeout: cfg.Aggregator.SourceTimeout(),
		DefaultRadius: cfg.Aggregator.DefaultRadiusNM,
	}, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(1)
	}
	defer manager.Close()

	entries, err := sources.Build(cfg.Sources, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(1)
	}
	if err := sources.Register(manager, entries); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(1)
	}

	fmt.Println(titleStyle.Render("Hangar Assistant source check"))
	fmt.Println()

	ctx := context.Background()

	start := time.Now()
	manager.Initialize(ctx)
	fmt.Println(dimStyle.Render(fmt.Sprintf("Connection tests finished in %s", time.Since(start).Round(time.Millisecond))))

	start = time.Now()
	aircraft := manager.QueryNear(ctx, *lat, *lon, *radius)
	queryTime := time.Since(start).Round(time.Millisecond)

	var found *adsb.Aircraft
	if *lookup != "" {
		found = manager.QueryByUniqueID(ctx, *lookup)
	}

	fmt.Println()
	fmt.Println(boxStyle.Render(renderHealth(manager.Stats())))
	fmt.Println()
	fmt.Println(headerStyle.Render(fmt.Sprintf("Aircraft near %.4f, %.4f", *lat, *lon)) +
		dimStyle.Render(fmt.Sprintf("  (%d in %s)", len(aircraft), queryTime)))
	fmt.Println(renderAircraft(adsb.SortByDistance(aircraft, *lat, *lon), *lat, *lon))

	if *lookup != "" {
		fmt.Println()
		fmt.Println(headerStyle.Render("Lookup " + strings.ToUpper(*lookup)))
		if found == nil {
			fmt.Println(warnStyle.Render("  not found"))
		} else {
			fmt.Println(renderAircraft([]adsb.Aircraft{*found}, *lat, *lon))
		}
	}
}

func renderHealth(stats aggregator.Stats) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Sources"))
	b.WriteString("\n")

	if len(stats.Sources) == 0 {
		b.WriteString(warnStyle.Render("no sources enabled in config (try -all)"))
		return b.String()
	}

	for _, s := range stats.Sources {
		status := okStyle.Render("OK  ")
		switch {
		case !s.Enabled:
			status = errStyle.Render("DOWN")
		case s.ConsecutiveFailures > 0:
			status = warnStyle.Render("FAIL")
		}

		line := fmt.Sprintf("%s %-16s priority %-2d aircraft %-4d", status, s.Name, s.Priority, s.LastAircraftCount)
		if s.LastError != "" {
			line += " " + dimStyle.Render(s.LastError)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render(fmt.Sprintf("cache %d/%d, %d source queries", stats.CacheSize, stats.CacheCapacity, stats.SourceQueries)))
	return b.String()
}

func renderAircraft(aircraft []adsb.Aircraft, lat, lon float64) string {
	if len(aircraft) == 0 {
		return dimStyle.Render("  none")
	}

	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %-8s %-8s %-8s %-6s %7s %6s %5s  %s",
		"ICAO", "REG", "CALL", "TYPE", "ALT", "NM", "BRG", "SOURCES")))
	for _, ac := range aircraft {
		alt := "-"
		if ac.Altitude != nil {
			alt = fmt.Sprintf("%.0f", *ac.Altitude)
		}
		dist, brg := "-", "-"
		if d, ok := ac.DistanceTo(lat, lon); ok {
			dist = fmt.Sprintf("%.1f", d)
		}
		if pos, ok := ac.Position(); ok {
			brg = fmt.Sprintf("%03d", int(coordinates.Bearing(coordinates.Geographic{Latitude: lat, Longitude: lon}, pos)))
		}

		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  %-8s %-8s %-8s %-6s %7s %6s %5s  %s",
			ac.ICAO, ac.Registration, ac.Callsign, ac.AircraftType, alt, dist, brg, ac.Source))
	}
	return b.String()
}
