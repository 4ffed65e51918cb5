package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"repricer/pkg/config"
	"repricer/pkg/version"
)

// PriceCtl talks to a running repricer daemon over its HTTP API.
type PriceCtl struct {
	serverURL string
	token     string
	client    *http.Client
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "status":
		err = runGet("status", args, "/status", nil)
	case "health":
		err = runGet("health", args, "/healthz", nil)
	case "start":
		err = runStart(args)
	case "stop":
		err = runStop(args)
	case "trigger":
		err = runTrigger(args)
	case "runs":
		err = runRuns(args)
	case "cycles":
		err = runCycles(args)
	case "logs":
		err = runLogs(args)
	case "costs":
		err = runGet("costs", args, "/costs", nil)
	case "secrets":
		err = runSecrets(args)
	case "version":
		fmt.Printf("pricectl %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
	case "help", "-help", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "PriceCtl - Repricing Agent Control\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s <command> [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  status    Show scheduler state and cycle progress\n")
	fmt.Fprintf(os.Stderr, "  health    Check that the daemon is up\n")
	fmt.Fprintf(os.Stderr, "  start     Start or resume the pricing cycle\n")
	fmt.Fprintf(os.Stderr, "  stop      Pause the pricing cycle after the current target\n")
	fmt.Fprintf(os.Stderr, "  trigger   Run one SKU/store pair immediately\n")
	fmt.Fprintf(os.Stderr, "  runs      List recorded pipeline runs\n")
	fmt.Fprintf(os.Stderr, "  cycles    List completed cycle summaries\n")
	fmt.Fprintf(os.Stderr, "  logs      Fetch recent daemon log entries\n")
	fmt.Fprintf(os.Stderr, "  costs     Show LLM spend per pipeline stage\n")
	fmt.Fprintf(os.Stderr, "  secrets   Manage the encrypted credentials file\n")
	fmt.Fprintf(os.Stderr, "  version   Show version information\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  %s status\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s trigger -sku 42 -store 3\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s runs -graph pricing -limit 20\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s secrets init\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Common Flags:\n")
	fmt.Fprintf(os.Stderr, "  -server string\n        Repricer API base URL (default: $REPRICER_SERVER or http://localhost:8000)\n")
	fmt.Fprintf(os.Stderr, "  -token string\n        Bearer token for control endpoints (default: $REPRICER_AUTH_TOKEN)\n")
}

// newFlagSet builds a flag set with the connection flags every API command
// shares. Commands register their own flags on top before parsing.
func newFlagSet(name string) (*flag.FlagSet, *PriceCtl) {
	ctl := &PriceCtl{
		client: &http.Client{Timeout: 30 * time.Second},
	}
	flagSet := flag.NewFlagSet(name, flag.ExitOnError)
	flagSet.StringVar(&ctl.serverURL, "server", defaultServer(), "Repricer API base URL")
	flagSet.StringVar(&ctl.token, "token", os.Getenv("REPRICER_AUTH_TOKEN"), "Bearer token for control endpoints")
	return flagSet, ctl
}

func defaultServer() string {
	if server := os.Getenv("REPRICER_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8000"
}

// runGet covers the read-only commands that take no extra flags.
func runGet(name string, args []string, path string, query url.Values) error {
	flagSet, ctl := newFlagSet(name)
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	body, err := ctl.get(path, query)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func runStart(args []string) error {
	flagSet, ctl := newFlagSet("start")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if _, err := ctl.post("/agent/start", nil); err != nil {
		return err
	}
	fmt.Println("✅ Scheduler started")
	return nil
}

func runStop(args []string) error {
	flagSet, ctl := newFlagSet("stop")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if _, err := ctl.post("/agent/stop", nil); err != nil {
		return err
	}
	fmt.Println("✅ Scheduler paused")
	return nil
}

func runTrigger(args []string) error {
	flagSet, ctl := newFlagSet("trigger")
	sku := flagSet.Int("sku", 0, "SKU ID to reprice (required)")
	store := flagSet.Int("store", 0, "Store ID to reprice (required)")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if *sku <= 0 || *store <= 0 {
		return fmt.Errorf("trigger requires positive -sku and -store values")
	}

	payload := map[string]int{"sku_id": *sku, "store_id": *store}
	body, err := ctl.post("/agent/trigger", payload)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func runRuns(args []string) error {
	flagSet, ctl := newFlagSet("runs")
	graph := flagSet.String("graph", "", "Filter by graph name (pricing or monitoring)")
	sku := flagSet.Int("sku", 0, "Filter by SKU ID")
	store := flagSet.Int("store", 0, "Filter by store ID")
	cycle := flagSet.Int("cycle", 0, "Filter by cycle number")
	limit := flagSet.Int("limit", 0, "Maximum rows to return")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	query := url.Values{}
	if *graph != "" {
		query.Set("graph", *graph)
	}
	for _, f := range []struct {
		name  string
		value int
	}{
		{"sku_id", *sku},
		{"store_id", *store},
		{"cycle", *cycle},
		{"limit", *limit},
	} {
		if f.value > 0 {
			query.Set(f.name, strconv.Itoa(f.value))
		}
	}

	body, err := ctl.get("/runs", query)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func runCycles(args []string) error {
	flagSet, ctl := newFlagSet("cycles")
	limit := flagSet.Int("limit", 0, "Maximum rows to return")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	query := url.Values{}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	body, err := ctl.get("/cycles", query)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func runLogs(args []string) error {
	flagSet, ctl := newFlagSet("logs")
	domain := flagSet.String("domain", "", "Filter debug entries by domain")
	since := flagSet.String("since", "", "Only entries after this RFC3339 timestamp")
	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	query := url.Values{}
	if *domain != "" {
		query.Set("domain", *domain)
	}
	if *since != "" {
		query.Set("since", *since)
	}
	body, err := ctl.get("/logs", query)
	if err != nil {
		return err
	}
	return printJSON(body)
}

// get issues a GET request and returns the response body.
func (ctl *PriceCtl) get(path string, query url.Values) ([]byte, error) {
	target := ctl.serverURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return ctl.do(req)
}

// post issues a POST request, prompting for the control token once when the
// daemon rejects the request with 401.
func (ctl *PriceCtl) post(path string, payload any) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := ctl.newPost(path, bodyBytes)
	if err != nil {
		return nil, err
	}
	body, err := ctl.do(req)
	if err == nil {
		return body, nil
	}

	var httpErr *apiError
	if !errors.As(err, &httpErr) || httpErr.status != http.StatusUnauthorized {
		return nil, err
	}

	// The daemon wants a bearer token we do not have. Ask for it and retry.
	token, promptErr := promptForToken()
	if promptErr != nil {
		return nil, promptErr
	}
	ctl.token = token

	retry, err := ctl.newPost(path, bodyBytes)
	if err != nil {
		return nil, err
	}
	return ctl.do(retry)
}

func (ctl *PriceCtl) newPost(path string, bodyBytes []byte) (*http.Request, error) {
	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, ctl.serverURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// apiError carries the HTTP status so callers can react to 401.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.message, e.status)
}

func (ctl *PriceCtl) do(req *http.Request) ([]byte, error) {
	if ctl.token != "" {
		req.Header.Set("Authorization", "Bearer "+ctl.token)
	}

	resp, err := ctl.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", ctl.serverURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		message := strings.TrimSpace(string(body))
		var apiErrBody struct {
			Error string `json:"error"`
		}
		if jsonErr := json.Unmarshal(body, &apiErrBody); jsonErr == nil && apiErrBody.Error != "" {
			message = apiErrBody.Error
		}
		return nil, &apiError{status: resp.StatusCode, message: message}
	}
	return body, nil
}

func printJSON(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		// Not JSON, print as-is.
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

// Secret names offered during "secrets init". Anything else can be added
// later with "secrets set <NAME>".
//
//nolint:gochecknoglobals // Static prompt list for the init flow
var initSecretNames = []string{
	config.EnvOpenAIAPIKey,
	config.EnvAnthropicAPIKey,
	config.EnvGoogleAPIKey,
	"REPRICER_AUTH_TOKEN",
}

func runSecrets(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("secrets requires a subcommand: init, set, list, or delete")
	}

	switch args[0] {
	case "init":
		return secretsInit()
	case "set":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s secrets set <NAME>", os.Args[0])
		}
		return secretsSet(args[1])
	case "list":
		return secretsList()
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s secrets delete <NAME>", os.Args[0])
		}
		return secretsDelete(args[1])
	default:
		return fmt.Errorf("unknown secrets subcommand '%s', expected init, set, list, or delete", args[0])
	}
}

// secretsInit creates the encrypted credentials file from scratch.
func secretsInit() error {
	if config.SecretsFileExists(".") {
		fmt.Print("⚠️  A secrets file already exists. Overwrite it? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		var choice string
		if scanner.Scan() {
			choice = strings.ToLower(strings.TrimSpace(scanner.Text()))
		}
		if choice != "y" && choice != "yes" {
			fmt.Println("Keeping the existing secrets file")
			return nil
		}
	}

	password, err := promptNewPassword()
	if err != nil {
		return err
	}

	secrets := make(map[string]string)
	fmt.Println()
	fmt.Println("Enter credentials to store. Press Enter to skip any of them.")
	for _, name := range initSecretNames {
		value, promptErr := promptSecretValue(name)
		if promptErr != nil {
			return promptErr
		}
		if value != "" {
			secrets[name] = value
		}
	}

	if err := config.EncryptSecretsFile(".", password, secrets); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	fmt.Println()
	fmt.Printf("✅ Saved %d credentials to %s/secrets.json.enc (file permissions: 0600)\n", len(secrets), config.SecretsDir)
	fmt.Println("💡 Set REPRICER_PASSWORD in the daemon's environment for passwordless startup.")
	return nil
}

func secretsSet(name string) error {
	password, secrets, err := openSecretsFile()
	if err != nil {
		return err
	}

	value, err := promptSecretValue(name)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty value, nothing stored")
	}
	secrets[name] = value

	if err := config.EncryptSecretsFile(".", password, secrets); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}
	fmt.Printf("✅ Stored %s\n", name)
	return nil
}

func secretsList() error {
	_, secrets, err := openSecretsFile()
	if err != nil {
		return err
	}

	if len(secrets) == 0 {
		fmt.Println("No secrets stored")
		return nil
	}

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func secretsDelete(name string) error {
	password, secrets, err := openSecretsFile()
	if err != nil {
		return err
	}

	if _, exists := secrets[name]; !exists {
		return fmt.Errorf("no secret named %s", name)
	}
	delete(secrets, name)

	if err := config.EncryptSecretsFile(".", password, secrets); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}
	fmt.Printf("✅ Deleted %s\n", name)
	return nil
}

// openSecretsFile prompts for the password and decrypts the existing file.
func openSecretsFile() (string, map[string]string, error) {
	if !config.SecretsFileExists(".") {
		return "", nil, fmt.Errorf("no secrets file found, run '%s secrets init' first", os.Args[0])
	}

	password, err := promptPassword("Secrets password: ")
	if err != nil {
		return "", nil, err
	}

	secrets, err := config.DecryptSecretsFile(".", password)
	if err != nil {
		return "", nil, err
	}
	return password, secrets, nil
}

// promptNewPassword asks for a password with confirmation.
func promptNewPassword() (string, error) {
	maxAttempts := 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("Enter a password for the secrets file: ")
		password1, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // New line after password input
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		fmt.Print("Confirm password: ")
		password2, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // New line after password input
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		if !bytes.Equal(password1, password2) {
			if attempt < maxAttempts {
				fmt.Println("❌ Passwords do not match. Please try again.")
				continue
			}
			return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
		}

		password := string(password1)

		// Clear password bytes from memory
		for i := range password1 {
			password1[i] = 0
		}
		for i := range password2 {
			password2[i] = 0
		}

		return password, nil
	}

	return "", fmt.Errorf("failed to get matching passwords")
}

func promptPassword(prompt string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("password required but stdin is not a terminal")
	}
	fmt.Print(prompt)
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println() // New line after password input
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := string(passwordBytes)
	for i := range passwordBytes {
		passwordBytes[i] = 0
	}
	return password, nil
}

// promptSecretValue reads a credential without echoing it.
func promptSecretValue(name string) (string, error) {
	fmt.Printf("Value for %s (hidden): ", name)
	valueBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println() // New line after input
	if err != nil {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	return strings.TrimSpace(string(valueBytes)), nil
}

// promptForToken asks for the control token after a 401 response.
func promptForToken() (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("control endpoint requires a token: set REPRICER_AUTH_TOKEN or pass -token")
	}
	fmt.Print("Control token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println() // New line after input
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(string(tokenBytes)), nil
}
