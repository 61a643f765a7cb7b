package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"codequest-sandbox/internal/config"
	"codequest-sandbox/internal/sandbox"
)

var (
	serverURL  string
	configPath string
	listLimit  int
)

// errStatus makes the process exit 1 after a result with status=error has
// been printed.
var errStatus = fmt.Errorf("execution reported status %q", sandbox.StatusError)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errStatus) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Each subcommand owns its --language
// flag and reads it back from its own flag set.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "codequest-cli",
		Short:         "CLI client for the CodeQuest execution sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CODEQUEST_SERVER", "http://localhost:8000"), "Server URL")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code on the server (reads stdin when code is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringP("language", "l", "python", "Language (python, javascript, html)")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file <file>",
		Short: "Execute code from a file on the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringP("language", "l", "", "Language (auto-detected from extension)")
	root.AddCommand(execFileCmd)

	runCmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a file locally with an in-process dispatcher",
		Args:  cobra.ExactArgs(1),
		RunE:  runLocal,
	}
	runCmd.Flags().StringP("language", "l", "", "Language (auto-detected from extension)")
	runCmd.Flags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Config file (defaults when empty)")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "languages",
		Short: "List supported languages",
		Args:  cobra.NoArgs,
		RunE:  func(_ *cobra.Command, _ []string) error { return getAndPrint("/languages") },
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE:  func(_ *cobra.Command, _ []string) error { return getAndPrint("/health") },
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return getAndPrint(fmt.Sprintf("/executions?limit=%d", listLimit))
		},
	}
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum executions to list")
	root.AddCommand(listCmd)

	return root
}

func runExec(cmd *cobra.Command, args []string) error {
	lang, err := cmd.Flags().GetString("language")
	if err != nil {
		return err
	}

	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return executeRemote(code, lang)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	lang, err := cmd.Flags().GetString("language")
	if err != nil {
		return err
	}
	code, lang, err := readSource(args[0], lang)
	if err != nil {
		return err
	}
	return executeRemote(code, lang)
}

func runLocal(cmd *cobra.Command, args []string) error {
	lang, err := cmd.Flags().GetString("language")
	if err != nil {
		return err
	}
	code, lang, err := readSource(args[0], lang)
	if err != nil {
		return err
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg := config.DefaultConfig()
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}

	ctx := context.Background()
	d, err := sandbox.NewDispatcherFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	result, err := d.Execute(ctx, sandbox.ExecutionRequest{Code: code, Language: lang})
	if err != nil {
		return err
	}
	printJSON(result)
	if result.Status == sandbox.StatusError {
		return errStatus
	}
	return nil
}

func readSource(path, lang string) (string, string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", "", fmt.Errorf("reading file: %w", err)
	}
	if lang == "" {
		if lang, err = languageFromPath(path); err != nil {
			return "", "", err
		}
	}
	return string(data), lang, nil
}

func languageFromPath(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".py":
		return "python", nil
	case ".js", ".mjs", ".cjs":
		return "javascript", nil
	case ".html", ".htm":
		return "html", nil
	default:
		return "", fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
	}
}

func executeRemote(code, lang string) error {
	body, err := json.Marshal(map[string]string{"code": code, "language": lang})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Post(strings.TrimRight(serverURL, "/")+"/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(result)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if result["status"] == sandbox.StatusError {
		return errStatus
	}
	return nil
}

func getAndPrint(path string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(serverURL, "/") + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(result)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
