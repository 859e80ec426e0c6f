package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
)

var (
	callCmd = &cobra.Command{
		Use:   "call",
		Short: "Call a tool on an upstream server",
		Long: `Call a tool by its namespaced name ("<tool>__<server>" by default).

Examples:
  mcppool call --tool-name=list_repos__github --json-args='{"owner":"myorg"}'
  mcppool call --tool-name=add__calc --json-args='{"a":1,"b":2}' --user=u1 --thread=t1`,
		RunE: runCall,
	}

	callToolName string
	callJSONArgs string
	callUser     string
	callThread   string
	callTimeout  time.Duration
	callOutput   string
)

// GetCallCommand returns the call command for the root command.
func GetCallCommand() *cobra.Command {
	return callCmd
}

func init() {
	callCmd.Flags().StringVarP(&callToolName, "tool-name", "t", "", "Namespaced tool name (required)")
	callCmd.Flags().StringVarP(&callJSONArgs, "json-args", "j", "{}", "JSON arguments for the tool")
	callCmd.Flags().StringVar(&callUser, "user", "", "User id for thread-scope dispatch")
	callCmd.Flags().StringVar(&callThread, "thread", "", "Thread id for thread-scope dispatch")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 2*time.Minute, "Overall timeout")
	callCmd.Flags().StringVarP(&callOutput, "output", "o", "pretty", "Output format (pretty, json)")

	if err := callCmd.MarkFlagRequired("tool-name"); err != nil {
		panic(fmt.Sprintf("failed to mark tool-name flag as required: %v", err))
	}
}

func runCall(_ *cobra.Command, _ []string) error {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(callJSONArgs), &args); err != nil {
		return fmt.Errorf("invalid JSON arguments: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	mgr, _, teardown, err := startPool(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	result, err := mgr.CallNamespacedTool(ctx, callUser, callThread, callToolName, args, nil)
	if err != nil {
		return fmt.Errorf("tool call failed: %w", err)
	}

	if callOutput == "json" {
		return printJSON(result)
	}
	return printCallResult(result)
}

func printCallResult(result *mcp.CallToolResult) error {
	if result.IsError {
		fmt.Println("Tool returned an error:")
	}
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			fmt.Println(text.Text)
			continue
		}
		out, err := json.MarshalIndent(content, "", "  ")
		if err != nil {
			fmt.Printf("%+v\n", content)
			continue
		}
		fmt.Println(string(out))
	}
	return nil
}
