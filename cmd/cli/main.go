package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	timeout   time.Duration
	outPath   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "viz-cli",
		Short:         "CLI client for viz-sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("VIZ_SERVER", "http://localhost:5000"), "Server URL")

	// Execute code from an argument or stdin
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Render a visualization from inline code or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addRunFlags(execCmd, "python")
	root.AddCommand(execCmd)

	// Execute from file
	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Render a visualization from a .py or .R script",
		Args:  cobra.ExactArgs(1),
		RunE:  runFile,
	}
	addRunFlags(runCmd, "")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	root.AddCommand(&cobra.Command{
		Use:   "languages",
		Short: "List supported languages",
		RunE:  runLanguages,
	})

	return root
}

func addRunFlags(cmd *cobra.Command, defaultLang string) {
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (server default when 0)")
	// Read back per command: exec and run have different defaults.
	cmd.Flags().StringP("language", "l", defaultLang, "Language (python, r)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Download the rendered image to this path")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	lang, err := cmd.Flags().GetString("language")
	if err != nil {
		return err
	}
	return execute(cmd.OutOrStdout(), code, lang)
}

func runFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	lang, err := cmd.Flags().GetString("language")
	if err != nil {
		return err
	}
	if lang == "" {
		lang, err = detectLanguage(args[0])
		if err != nil {
			return err
		}
	}

	return execute(cmd.OutOrStdout(), string(data), lang)
}

func detectLanguage(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".py":
		return "python", nil
	case ".r":
		return "r", nil
	default:
		return "", fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
	}
}

type executeResult struct {
	Message string `json:"message"`
	Image   string `json:"image"`
	ID      string `json:"id"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details"`
}

func execute(out io.Writer, code, lang string) error {
	payload := map[string]any{
		"code":     code,
		"language": lang,
	}
	if timeout > 0 {
		payload["timeout"] = timeout.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 130 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result executeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if result.Details != "" {
			fmt.Fprintln(os.Stderr, strings.TrimRight(result.Details, "\n"))
		}
		return fmt.Errorf("%s (%s, HTTP %d)", result.Error, result.Code, resp.StatusCode)
	}

	fmt.Fprintf(out, "%s: %s%s\n", result.Message, serverURL, result.Image)

	if outPath != "" {
		n, err := download(client, serverURL+result.Image, outPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "saved %d bytes to %s\n", n, outPath)
	}
	return nil
}

func download(client *http.Client, url, dest string) (int64, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("downloading image: HTTP %d", resp.StatusCode)
	}

	f, err := os.Create(filepath.Clean(dest))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("writing %s: %w", dest, err)
	}
	return n, nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if err := printJSON(cmd.OutOrStdout(), resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New("server is degraded")
	}
	return nil
}

func runLanguages(cmd *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/languages")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Languages []string `json:"languages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	for _, l := range result.Languages {
		fmt.Fprintln(cmd.OutOrStdout(), l)
	}
	return nil
}

func printJSON(out io.Writer, r io.Reader) error {
	var result any
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(formatted))
	return nil
}
