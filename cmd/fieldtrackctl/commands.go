package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/config"
	"github.com/markus-lassfolk/fieldtrack/pkg/directory"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/store"
)

type env struct {
	logger *logx.Logger
	out    *printer
}

func (e *env) config() (*config.Config, error) {
	return config.Load(*configPath)
}

func (e *env) readStore() (*store.BoltStore, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	return store.OpenReadOnly(cfg.StorePath(), 2*time.Second, e.logger)
}

func (e *env) directory() (*directory.Directory, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	return directory.Open(cfg.DirectoryPath(), e.logger)
}

func handleStatus(ctx context.Context, e *env) error {
	data, err := os.ReadFile(*healthPath)
	if err != nil {
		return fmt.Errorf("no heartbeat at %s (is fieldtrackd running?): %w", *healthPath, err)
	}
	var hb map[string]interface{}
	if err := json.Unmarshal(data, &hb); err != nil {
		return fmt.Errorf("invalid heartbeat file: %w", err)
	}
	return e.out.status(hb)
}

func handleAlerts(ctx context.Context, e *env) error {
	bs, err := e.readStore()
	if err != nil {
		return err
	}
	defer bs.Close()

	filter := store.AlertFilter{
		AgentID:  *agent,
		Status:   pkg.AlertStatus(*status),
		Severity: pkg.Severity(*severity),
		Limit:    *limit,
	}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}
	alerts, err := bs.QueryAlerts(ctx, filter)
	if err != nil {
		return err
	}
	if err := e.out.alerts(alerts); err != nil {
		return err
	}
	if *mapLinks {
		e.out.mapLinks(alerts)
	}
	return nil
}

func handleVisits(ctx context.Context, e *env) error {
	filter := store.VisitFilter{
		AgentID: *agent,
		SiteID:  *site,
		Status:  pkg.VisitStatus(*status),
		Limit:   *limit,
	}
	var err error
	if filter.From, err = parseDate(*from); err != nil {
		return err
	}
	if filter.To, err = parseDate(*to); err != nil {
		return err
	}

	bs, err := e.readStore()
	if err != nil {
		return err
	}
	defer bs.Close()

	visits, err := bs.QueryVisits(ctx, filter)
	if err != nil {
		return err
	}
	return e.out.visits(visits)
}

func handlePolicies(ctx context.Context, e *env) error {
	bs, err := e.readStore()
	if err != nil {
		return err
	}
	defer bs.Close()

	policies, err := bs.ListPolicies(ctx)
	if err != nil {
		return err
	}
	return e.out.policies(policies)
}

func handleSites(ctx context.Context, e *env) error {
	dir, err := e.directory()
	if err != nil {
		return err
	}
	defer dir.Close()

	sites, err := dir.ListSites(ctx)
	if err != nil {
		return err
	}
	agents := make(map[string][]string, len(sites))
	for _, s := range sites {
		ids, err := dir.AgentsAtSite(ctx, s.SiteID)
		if err != nil {
			return err
		}
		agents[s.SiteID] = ids
	}
	return e.out.sites(sites, agents)
}

// handleResolve needs the write lock, so fieldtrackd must be stopped
func handleResolve(ctx context.Context, e *env) error {
	cfg, err := e.config()
	if err != nil {
		return err
	}
	bs, err := store.Open(cfg.StorePath(), e.logger)
	if err != nil {
		return err
	}
	defer bs.Close()

	to := pkg.AlertStatusResolved
	if *dismiss {
		to = pkg.AlertStatusDismissed
	}
	if *resolvedBy == "" {
		return fmt.Errorf("-by is required")
	}
	if err := bs.ResolveAlert(ctx, *resolveAlert, to, *resolvedBy, *notes, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Fprintf(e.out.w, "Alert %s %s\n", *resolveAlert, to)
	return nil
}

func handleUpsertSite(ctx context.Context, e *env) error {
	if *site == "" {
		return fmt.Errorf("-site is required")
	}
	s := &pkg.Site{SiteID: *site, Name: *siteName, RadiusMeters: *radius}
	if flagSet("lat") || flagSet("lon") {
		s.Point = &pkg.Point{Latitude: *lat, Longitude: *lon}
	}

	dir, err := e.directory()
	if err != nil {
		return err
	}
	defer dir.Close()

	if err := dir.UpsertSite(ctx, s); err != nil {
		return err
	}
	fmt.Fprintf(e.out.w, "Site %s saved\n", s.SiteID)
	return nil
}

func handleUpsertAgent(ctx context.Context, e *env) error {
	if *agent == "" || *productLine == "" {
		return fmt.Errorf("-agent and -product-line are required")
	}
	dir, err := e.directory()
	if err != nil {
		return err
	}
	defer dir.Close()

	profile := &pkg.AgentProfile{AgentID: *agent, ProductLine: *productLine, AssignedSiteID: *site}
	if err := dir.UpsertAgent(ctx, profile); err != nil {
		return err
	}
	fmt.Fprintf(e.out.w, "Agent %s saved\n", profile.AgentID)
	return nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
