package transport

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"mcppool-go/internal/config"
	"mcppool-go/internal/secureenv"
)

const osWindows = "windows"

func createStdio(cfg *config.ServerConfig) (*Result, error) {
	command := cfg.Command
	args := cfg.Args
	if command == "" {
		// Fallback for descriptors that put the whole command line in URL.
		parsed := ParseCommand(cfg.URL)
		if len(parsed) == 0 {
			return nil, fmt.Errorf("no command specified for stdio transport")
		}
		command = parsed[0]
		args = parsed[1:]
	}

	envConfig := secureenv.DefaultEnvConfig()
	for k, v := range cfg.Env {
		envConfig.CustomVars[k] = v
	}
	envVars := secureenv.NewManager(envConfig).BuildSecureEnvironment()

	// Wrap in a shell so the user's PATH is respected, especially when the
	// host process was launched outside a terminal.
	shellCmd, shellArgs := wrapCommandInShell(command, args)

	stdioTransport := transport.NewStdio(shellCmd, envVars, shellArgs...)
	return &Result{
		Client:    client.NewClient(stdioTransport),
		Transport: stdioTransport,
		Kind:      config.TransportStdio,
	}, nil
}

func wrapCommandInShell(command string, args []string) (shellCmd string, shellArgs []string) {
	fullCmd := command
	if len(args) > 0 {
		quotedArgs := make([]string, len(args))
		for i, arg := range args {
			if strings.Contains(arg, " ") {
				quotedArgs[i] = fmt.Sprintf("%q", arg)
			} else {
				quotedArgs[i] = arg
			}
		}
		fullCmd = fmt.Sprintf("%s %s", command, strings.Join(quotedArgs, " "))
	}

	if runtime.GOOS == osWindows {
		return "cmd.exe", []string{"/c", fullCmd}
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return shell, []string{"-l", "-c", fullCmd}
}

// ParseCommand splits a command line into command and arguments, honoring
// single and double quotes.
func ParseCommand(cmd string) []string {
	var result []string
	var current string
	var inQuote bool
	var quoteChar rune

	for _, r := range cmd {
		switch {
		case r == ' ' && !inQuote:
			if current != "" {
				result = append(result, current)
				current = ""
			}
		case r == '"' || r == '\'':
			switch {
			case inQuote && r == quoteChar:
				inQuote = false
				quoteChar = 0
			case !inQuote:
				inQuote = true
				quoteChar = r
			default:
				current += string(r)
			}
		default:
			current += string(r)
		}
	}

	if current != "" {
		result = append(result, current)
	}
	return result
}
