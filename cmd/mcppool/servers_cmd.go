package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mcppool-go/internal/transport"
)

var (
	serversCmd = &cobra.Command{
		Use:   "servers",
		Short: "List configured upstream servers",
		Long: `List the upstream MCP servers from the configuration file.

With --connect the pool connects to every server and reports the live
connection state instead of just the configured transport.`,
		RunE: runServers,
	}

	serversConnect bool
	serversOutput  string
	serversTimeout time.Duration
)

// GetServersCommand returns the servers command for the root command.
func GetServersCommand() *cobra.Command {
	return serversCmd
}

func init() {
	serversCmd.Flags().BoolVar(&serversConnect, "connect", false, "Connect to every server and report live state")
	serversCmd.Flags().StringVarP(&serversOutput, "output", "o", "table", "Output format (table, json)")
	serversCmd.Flags().DurationVar(&serversTimeout, "timeout", 60*time.Second, "Overall timeout when connecting")
}

func runServers(_ *cobra.Command, _ []string) error {
	if serversConnect {
		return runServersConnected()
	}
	return runServersConfigured()
}

func runServersConfigured() error {
	cfg, err := loadPoolConfig()
	if err != nil {
		return err
	}

	type row struct {
		Name      string `json:"name"`
		Transport string `json:"transport"`
		Target    string `json:"target"`
		Disabled  bool   `json:"disabled,omitempty"`
	}
	rows := make([]row, 0, len(cfg.Servers))
	for name, srv := range cfg.Servers {
		target := srv.URL
		if target == "" {
			target = srv.Command
		}
		rows = append(rows, row{
			Name:      name,
			Transport: transport.DetermineTransportType(srv),
			Target:    target,
			Disabled:  srv.Disabled,
		})
	}

	if serversOutput == "json" {
		return printJSON(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTRANSPORT\tTARGET\tDISABLED")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", r.Name, r.Transport, r.Target, r.Disabled)
	}
	return w.Flush()
}

func runServersConnected() error {
	ctx, cancel := context.WithTimeout(context.Background(), serversTimeout)
	defer cancel()

	mgr, _, teardown, err := startPool(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	infos := mgr.Status()
	if serversOutput == "json" {
		type row struct {
			Server        string `json:"server"`
			State         string `json:"state"`
			SessionID     string `json:"session_id,omitempty"`
			ServerName    string `json:"server_name,omitempty"`
			ServerVersion string `json:"server_version,omitempty"`
			LastError     string `json:"last_error,omitempty"`
		}
		rows := make([]row, 0, len(infos))
		for _, info := range infos {
			r := row{
				Server:        info.Server,
				State:         info.State.String(),
				SessionID:     info.SessionID,
				ServerName:    info.ServerName,
				ServerVersion: info.ServerVersion,
			}
			if info.LastError != nil {
				r.LastError = info.LastError.Error()
			}
			rows = append(rows, r)
		}
		return printJSON(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSTATE\tVERSION\tERROR")
	for _, info := range infos {
		errText := ""
		if info.LastError != nil {
			errText = info.LastError.Error()
		}
		version := info.ServerName
		if info.ServerVersion != "" {
			version += " " + info.ServerVersion
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Server, info.State, version, errText)
	}
	return w.Flush()
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output as JSON: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
