package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "Work with tools on upstream servers",
	}

	toolsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tools across all configured servers",
		Long: `Connect to every configured server and list the tools they expose,
under their namespaced names ("<tool>__<server>" by default).`,
		RunE: runToolsList,
	}

	toolsServer  string
	toolsOutput  string
	toolsTimeout time.Duration
)

// GetToolsCommand returns the tools command for the root command.
func GetToolsCommand() *cobra.Command {
	return toolsCmd
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)
	toolsListCmd.Flags().StringVarP(&toolsServer, "server", "s", "", "Only list tools from this server")
	toolsListCmd.Flags().StringVarP(&toolsOutput, "output", "o", "table", "Output format (table, json)")
	toolsListCmd.Flags().DurationVar(&toolsTimeout, "timeout", 60*time.Second, "Overall timeout")
}

func runToolsList(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), toolsTimeout)
	defer cancel()

	mgr, _, teardown, err := startPool(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	tools := mgr.LoadManifestTools(ctx)
	if toolsServer != "" {
		filtered := tools[:0]
		for _, tool := range tools {
			if tool.ServerName == toolsServer {
				filtered = append(filtered, tool)
			}
		}
		tools = filtered
	}
	if toolsOutput == "json" {
		return printJSON(tools)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tSERVER\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\n", tool.Name, tool.ServerName, tool.Description)
	}
	return w.Flush()
}
