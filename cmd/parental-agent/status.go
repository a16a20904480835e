package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parental/agent/internal/audit"
	"github.com/parental/agent/internal/enforcer"
	"github.com/parental/agent/internal/ipc"
	"github.com/parental/agent/internal/svcquery"
)

const statusQueryTimeout = 3 * time.Second

// statusReport is what `status` prints. Agent and Engine are nil when the
// status channel did not answer; ServerAddress and DeviceID then come from
// the state store.
type statusReport struct {
	Service       *svcquery.ServiceInfo `json:"service,omitempty" yaml:"service,omitempty"`
	ServiceError  string                `json:"serviceError,omitempty" yaml:"serviceError,omitempty"`
	Agent         *ipc.Pong             `json:"agent,omitempty" yaml:"agent,omitempty"`
	Engine        *enforcer.Status      `json:"engine,omitempty" yaml:"engine,omitempty"`
	QueryError    string                `json:"queryError,omitempty" yaml:"queryError,omitempty"`
	ServerAddress string                `json:"serverAddress,omitempty" yaml:"serverAddress,omitempty"`
	DeviceID      string                `json:"deviceId,omitempty" yaml:"deviceId,omitempty"`
}

func checkStatus(w io.Writer, format string) error {
	if err := validFormat(format); err != nil {
		return err
	}

	var report statusReport
	socket := ""
	cfg, err := loadConfig()
	if err != nil {
		log.Debug("config unavailable, using defaults", "error", err)
	} else {
		socket = cfg.StatusSocket
		if store, err := openStore(cfg); err == nil {
			st := store.Load()
			report.ServerAddress = st.ServerAddress
			report.DeviceID = st.DeviceID
		}
	}

	if info, err := svcquery.GetStatus(serviceName); err != nil {
		report.ServiceError = err.Error()
	} else {
		report.Service = &info
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusQueryTimeout)
	defer cancel()
	if pong, err := ipc.Ping(ctx, socket); err != nil {
		report.QueryError = err.Error()
	} else {
		report.Agent = pong
		var st enforcer.Status
		if err := ipc.QueryStatus(ctx, socket, &st); err != nil {
			report.QueryError = err.Error()
		} else {
			report.Engine = &st
			report.ServerAddress = st.ServerAddress
			report.DeviceID = st.DeviceID
		}
	}

	return renderStatus(w, format, report)
}

func validFormat(format string) error {
	switch strings.ToLower(format) {
	case "text", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

func renderStatus(w io.Writer, format string, r statusReport) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "text":
		return renderStatusText(w, r)
	}
	return validFormat(format)
}

func renderStatusText(w io.Writer, r statusReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "%s:\t%s\n", k, v) }

	switch {
	case r.Service != nil:
		svc := string(r.Service.Status)
		if r.Service.PID != 0 {
			svc = fmt.Sprintf("%s (pid %d)", svc, r.Service.PID)
		}
		row("Service", svc)
	case r.ServiceError != "":
		row("Service", "unknown ("+r.ServiceError+")")
	}

	if r.ServerAddress == "" || r.DeviceID == "" {
		row("Configured", "no (run 'parental-agent configure')")
	} else {
		row("Server", r.ServerAddress)
		row("Device ID", r.DeviceID)
	}

	if r.Agent == nil {
		row("Agent", "not reachable")
		if r.QueryError != "" {
			row("Error", r.QueryError)
		}
		return tw.Flush()
	}
	row("Agent", fmt.Sprintf("v%s, pid %d, up since %s", r.Agent.Version, r.Agent.PID, r.Agent.StartedAt.Local().Format(time.RFC3339)))

	if e := r.Engine; e != nil {
		row("Health", string(e.Health))
		row("Outcome", string(e.Outcome))
		if e.Decision != nil {
			verdict := "unlock"
			if e.Decision.Lock {
				verdict = "lock"
			}
			row("Verdict", fmt.Sprintf("%s (%s)", verdict, e.Decision.Reason))
		}
		if e.Session != nil {
			if e.Session.LoggedIn {
				row("Session", fmt.Sprintf("%d %s", e.Session.SessionID, e.Session.QualifiedName()))
			} else {
				row("Session", "nobody logged in")
			}
		}
		if e.HasDevice {
			row("Device", e.DeviceName)
		} else {
			row("Device", "none cached")
		}
		row("Disconnected", fmt.Sprintf("%t", e.Disconnected))
		row("Enforcement", map[bool]string{true: "enabled", false: "disabled"}[e.EnforcementEnabled])
		if !e.LastHeartbeat.IsZero() {
			row("Last heartbeat", e.LastHeartbeat.Local().Format(time.RFC3339))
		}
		if e.LastHeartbeatError != "" {
			row("Heartbeat error", fmt.Sprintf("%s (%d consecutive)", e.LastHeartbeatError, e.HeartbeatFailures))
		}
		for _, c := range e.Components {
			line := string(c.Status)
			if c.Message != "" {
				line += ": " + c.Message
			}
			row("  "+c.Name, line)
		}
	}
	return tw.Flush()
}

func verifyAudit(w io.Writer, path string) error {
	res, err := audit.Verify(path)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	if !res.OK() {
		fmt.Fprintf(w, "%s: chain broken at line %d: %s\n", path, res.BrokenAt, res.Reason)
		return fmt.Errorf("audit log %s failed verification", path)
	}
	fmt.Fprintf(w, "%s: %d entries, chain intact\n", path, res.Entries)
	return nil
}
