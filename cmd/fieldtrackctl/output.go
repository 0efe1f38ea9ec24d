package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
)

type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "standard", "json", "csv":
		return &printer{w: w, format: format}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

func (p *printer) json(v interface{}) error {
	encoder := json.NewEncoder(p.w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (p *printer) csv(header []string, rows [][]string) error {
	writer := csv.NewWriter(p.w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func (p *printer) table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func (p *printer) rows(v interface{}, header []string, rows [][]string) error {
	switch p.format {
	case "json":
		return p.json(v)
	case "csv":
		return p.csv(header, rows)
	default:
		if len(rows) == 0 {
			fmt.Fprintln(p.w, "No records")
			return nil
		}
		return p.table(header, rows)
	}
}

func (p *printer) alerts(alerts []*pkg.Alert) error {
	header := []string{"ID", "Agent", "Type", "Severity", "Status", "Distance", "Radius", "Site", "Detected"}
	rows := make([][]string, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, []string{
			a.AlertID,
			a.AgentID,
			string(a.AlertType),
			string(a.Severity),
			string(a.Status),
			fmt.Sprintf("%.0f", a.DistanceMeters),
			fmt.Sprintf("%.0f", a.AllowedRadius),
			orDash(a.SiteID),
			a.DetectedAt.Format(time.RFC3339),
		})
	}
	return p.rows(alerts, header, rows)
}

func (p *printer) visits(visits []*pkg.Visit) error {
	header := []string{"ID", "Agent", "Site", "Status", "CheckIn", "CheckOut", "Minutes"}
	rows := make([][]string, 0, len(visits))
	for _, v := range visits {
		out, minutes := "-", "-"
		if v.CheckOutAt != nil {
			out = v.CheckOutAt.Format(time.RFC3339)
		}
		if v.DurationMinutes != nil {
			minutes = fmt.Sprintf("%d", *v.DurationMinutes)
		}
		rows = append(rows, []string{
			v.VisitID,
			v.AgentID,
			v.SiteID,
			string(v.Status),
			v.CheckInAt.Format(time.RFC3339),
			out,
			minutes,
		})
	}
	return p.rows(visits, header, rows)
}

func (p *printer) policies(policies []*pkg.AgentPolicy) error {
	header := []string{"Agent", "ProductLine", "Validation", "Site", "Radius", "Interval", "Fastest", "MinAccuracy", "Active"}
	rows := make([][]string, 0, len(policies))
	for _, pol := range policies {
		rows = append(rows, []string{
			pol.AgentID,
			orDash(pol.ProductLine),
			string(pol.ValidationType),
			orDash(pol.AssignedSiteID),
			fmt.Sprintf("%.0f", pol.AllowedRadiusMeters),
			pol.SamplingInterval().String(),
			pol.FastestInterval().String(),
			fmt.Sprintf("%.0f", pol.MinAccuracyMeters),
			fmt.Sprintf("%t", pol.IsActive),
		})
	}
	return p.rows(policies, header, rows)
}

func (p *printer) sites(sites []*pkg.Site, agents map[string][]string) error {
	if p.format == "json" {
		type siteWithAgents struct {
			*pkg.Site
			Agents []string `json:"agents"`
		}
		out := make([]siteWithAgents, 0, len(sites))
		for _, s := range sites {
			out = append(out, siteWithAgents{Site: s, Agents: agents[s.SiteID]})
		}
		return p.json(out)
	}

	header := []string{"ID", "Name", "Location", "Radius", "Agents"}
	rows := make([][]string, 0, len(sites))
	for _, s := range sites {
		loc := "unconfigured"
		if s.Point != nil {
			loc = s.Point.String()
		}
		rows = append(rows, []string{
			s.SiteID,
			orDash(s.Name),
			loc,
			fmt.Sprintf("%.0f", s.RadiusMeters),
			orDash(strings.Join(agents[s.SiteID], " ")),
		})
	}
	return p.rows(sites, header, rows)
}

// status prints the heartbeat as flattened key/value pairs
func (p *printer) status(hb map[string]interface{}) error {
	if p.format == "json" {
		return p.json(hb)
	}
	flat := make(map[string]string)
	flatten("", hb, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, flat[k]})
	}
	if p.format == "csv" {
		return p.csv([]string{"Key", "Value"}, rows)
	}
	return p.table([]string{"KEY", "VALUE"}, rows)
}

// mapLinks prints a Google Maps link per alert position, zoomed to the
// reported accuracy
func (p *printer) mapLinks(alerts []*pkg.Alert) {
	for _, a := range alerts {
		fmt.Fprintf(p.w, "  %s: https://www.google.com/maps/@%.6f,%.6f,%dz\n",
			a.AlertID, a.DetectedPoint.Latitude, a.DetectedPoint.Longitude, zoomFor(a.DetectedAccuracy))
	}
}

func zoomFor(accuracyMeters float64) int {
	switch {
	case accuracyMeters <= 0 || math.IsNaN(accuracyMeters):
		return 17
	case accuracyMeters <= 20:
		return 19
	case accuracyMeters <= 100:
		return 17
	case accuracyMeters <= 500:
		return 15
	case accuracyMeters <= 2000:
		return 13
	default:
		return 11
	}
}

func flatten(prefix string, v interface{}, out map[string]string) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case nil:
	default:
		out[prefix] = fmt.Sprint(val)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
