// Package directory is the local identity and site directory backed by SQLite.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// Directory implements pkg.ProfileProvider and pkg.SiteDirectory
type Directory struct {
	db     *sql.DB
	path   string
	logger *logx.Logger
}

// Open opens (creating if needed) the directory database at path.
// ":memory:" is accepted for tests.
func Open(path string, logger *logx.Logger) (*Directory, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	d := &Directory{db: db, path: path, logger: logger}
	if err := d.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize directory database: %w", err)
	}

	logger.Info("Directory database opened", "path", path)
	return d, nil
}

func (d *Directory) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		product_line TEXT NOT NULL DEFAULT '',
		assigned_site_id TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sites (
		site_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		latitude REAL,
		longitude REAL,
		radius_meters REAL NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_agents_site ON agents(assigned_site_id);
	`
	_, err := d.db.Exec(schema)
	return err
}

// GetAgentProfile implements pkg.ProfileProvider. Unknown agents yield
// pkg.ErrNotFound.
func (d *Directory) GetAgentProfile(ctx context.Context, agentID string) (*pkg.AgentProfile, error) {
	var (
		profile = pkg.AgentProfile{AgentID: agentID}
		siteID  sql.NullString
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT product_line, assigned_site_id FROM agents WHERE agent_id = ?`, agentID,
	).Scan(&profile.ProductLine, &siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, pkg.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent %s: %w", agentID, err)
	}
	profile.AssignedSiteID = siteID.String
	return &profile, nil
}

// GetSite implements pkg.SiteDirectory. A site row without coordinates is
// returned with a nil Point.
func (d *Directory) GetSite(ctx context.Context, siteID string) (*pkg.Site, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT site_id, name, latitude, longitude, radius_meters FROM sites WHERE site_id = ?`, siteID)
	site, err := scanSite(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query site %s: %w", siteID, err)
	}
	return site, nil
}

// UpsertAgent inserts or replaces an agent profile
func (d *Directory) UpsertAgent(ctx context.Context, profile *pkg.AgentProfile) error {
	if profile.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	var siteID interface{}
	if profile.AssignedSiteID != "" {
		siteID = profile.AssignedSiteID
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, product_line, assigned_site_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			product_line = excluded.product_line,
			assigned_site_id = excluded.assigned_site_id,
			updated_at = excluded.updated_at`,
		profile.AgentID, profile.ProductLine, siteID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", profile.AgentID, err)
	}
	return nil
}

// UpsertSite inserts or replaces a site. A nil Point stores the site as
// unconfigured.
func (d *Directory) UpsertSite(ctx context.Context, site *pkg.Site) error {
	if site.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}
	if site.RadiusMeters < 0 {
		return fmt.Errorf("radius_meters must not be negative")
	}
	var lat, lon interface{}
	if site.Point != nil {
		if !site.Point.Valid() {
			return fmt.Errorf("site %s point %s is out of range", site.SiteID, site.Point)
		}
		lat, lon = site.Point.Latitude, site.Point.Longitude
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sites (site_id, name, latitude, longitude, radius_meters, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			radius_meters = excluded.radius_meters,
			updated_at = excluded.updated_at`,
		site.SiteID, site.Name, lat, lon, site.RadiusMeters, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert site %s: %w", site.SiteID, err)
	}
	return nil
}

// ListSites returns every site ordered by id
func (d *Directory) ListSites(ctx context.Context) ([]*pkg.Site, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT site_id, name, latitude, longitude, radius_meters FROM sites ORDER BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []*pkg.Site
	for rows.Next() {
		site, err := scanSite(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// AgentsAtSite returns the ids of agents assigned to siteID
func (d *Directory) AgentsAtSite(ctx context.Context, siteID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT agent_id FROM agents WHERE assigned_site_id = ? ORDER BY agent_id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents for site %s: %w", siteID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database
func (d *Directory) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

func scanSite(scan func(dest ...interface{}) error) (*pkg.Site, error) {
	var (
		site     pkg.Site
		lat, lon sql.NullFloat64
	)
	if err := scan(&site.SiteID, &site.Name, &lat, &lon, &site.RadiusMeters); err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		site.Point = &pkg.Point{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	return &site, nil
}
