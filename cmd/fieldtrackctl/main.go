package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg/config"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// Command line flags
var (
	// Queries
	listAlerts   = flag.Bool("alerts", false, "List compliance alerts")
	listVisits   = flag.Bool("visits", false, "List visits")
	listPolicies = flag.Bool("policies", false, "List agent policies")
	listSites    = flag.Bool("sites", false, "List sites in the directory")
	showStatus   = flag.Bool("status", false, "Show the daemon heartbeat")

	// Operator actions
	resolveAlert = flag.String("resolve-alert", "", "Resolve the alert with this id")
	dismiss      = flag.Bool("dismiss", false, "With -resolve-alert: dismiss instead of resolve")
	resolvedBy   = flag.String("by", os.Getenv("USER"), "With -resolve-alert: operator name")
	notes        = flag.String("notes", "", "With -resolve-alert: free text notes")
	upsertSite   = flag.Bool("upsert-site", false, "Create or update the site given by -site")
	upsertAgent  = flag.Bool("upsert-agent", false, "Create or update the agent given by -agent")

	// Filters and record fields
	agent       = flag.String("agent", "", "Agent id")
	site        = flag.String("site", "", "Site id")
	siteName    = flag.String("name", "", "Site name")
	lat         = flag.Float64("lat", 0, "Site latitude")
	lon         = flag.Float64("lon", 0, "Site longitude")
	radius      = flag.Float64("radius", 0, "Site radius in meters, 0 uses the agent policy radius")
	productLine = flag.String("product-line", "", "Agent product line")
	status      = flag.String("state", "", "Alert status (active|resolved|dismissed) or visit status (active|completed|abandoned)")
	severity    = flag.String("severity", "", "Alert severity (info|warning|critical)")
	since       = flag.Duration("since", 0, "Only records newer than this, e.g. 24h")
	from        = flag.String("from", "", "Visits checked in on or after this date (YYYY-MM-DD)")
	to          = flag.String("to", "", "Visits checked in before this date (YYYY-MM-DD)")
	limit       = flag.Int("limit", 50, "Maximum number of rows, 0 for all")
	mapLinks    = flag.Bool("maps", false, "Print Google Maps links for alert positions")

	// General
	configPath   = flag.String("config", config.DefaultPath, "Path to UCI configuration file")
	healthPath   = flag.String("health-file", "/tmp/fieldtrackd.health", "Heartbeat file written by fieldtrackd")
	outputFormat = flag.String("format", "standard", "Output format: standard, json, csv")
	logLevel     = flag.String("log-level", "warn", "Log level (debug|info|warn|error|trace)")
	timeout      = flag.Duration("timeout", 10*time.Second, "Operation timeout")
	version      = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "fieldtrackctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	logger := logx.NewLogger(*logLevel, AppName)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := newPrinter(os.Stdout, *outputFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	var handler func(context.Context, *env) error
	switch {
	case *showStatus:
		handler = handleStatus
	case *listAlerts:
		handler = handleAlerts
	case *listVisits:
		handler = handleVisits
	case *listPolicies:
		handler = handlePolicies
	case *listSites:
		handler = handleSites
	case *resolveAlert != "":
		handler = handleResolve
	case *upsertSite:
		handler = handleUpsertSite
	case *upsertAgent:
		handler = handleUpsertAgent
	default:
		showUsage()
		os.Exit(2)
	}

	e := &env{logger: logger, out: out}
	if err := handler(ctx, e); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Printf("%s - fieldtrack operator tool\n", AppName)
	fmt.Printf("Version: %s\n\n", AppVersion)

	fmt.Println("Queries:")
	fmt.Println("  -status             Show the daemon heartbeat")
	fmt.Println("  -alerts             List alerts (-agent, -state, -severity, -since, -limit, -maps)")
	fmt.Println("  -visits             List visits (-agent, -site, -state, -from, -to, -limit)")
	fmt.Println("  -policies           List agent policies")
	fmt.Println("  -sites              List sites with their assigned agents")
	fmt.Println()

	fmt.Println("Operator actions:")
	fmt.Println("  -resolve-alert ID   Resolve an alert (-dismiss, -by, -notes)")
	fmt.Println("  -upsert-site        Create or update a site (-site, -name, -lat, -lon, -radius)")
	fmt.Println("  -upsert-agent       Create or update an agent (-agent, -product-line, -site)")
	fmt.Println()

	fmt.Println("General:")
	fmt.Println("  -config path        Configuration file (default \"" + config.DefaultPath + "\")")
	fmt.Println("  -format string      Output format: standard, json, csv (default \"standard\")")
	fmt.Println("  -timeout duration   Operation timeout (default 10s)")
	fmt.Println()

	fmt.Println("Record queries read the record store, which fieldtrackd holds open while")
	fmt.Println("running. Use -status for a live view.")
}
