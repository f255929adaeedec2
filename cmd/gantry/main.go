package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gantry-sh/gantry/pkg/client"
)

type cliConfig struct {
	DaemonURL string `json:"daemon_url"`
	AuthToken string `json:"auth_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	var exitCode int
	switch cmd {
	case "config":
		err = commandConfig(args)
	case "launch":
		exitCode, err = commandLaunch(args)
	case "status":
		err = commandStatus(args)
	case "list":
		err = commandList(args)
	case "logs":
		err = commandLogs(args)
	case "cancel":
		err = commandCancel(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	daemon := fs.String("daemon", "", "Daemon base URL")
	token := fs.String("token", "", "Auth token sent as X-Gantry-Token")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*daemon) != "" {
		cfg.DaemonURL = strings.TrimSpace(*daemon)
	}
	if strings.TrimSpace(*token) != "" {
		cfg.AuthToken = strings.TrimSpace(*token)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("daemon: %s\n", cfg.DaemonURL)
	return nil
}

func commandLaunch(args []string) (int, error) {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	app := fs.String("app", "", "Application name")
	source := fs.String("source", "", "Local source directory")
	gitURL := fs.String("git", "", "Git repository URL (instead of --source)")
	gitRef := fs.String("git-ref", "", "Branch or tag to clone (with --git)")
	appObject := fs.String("app-object", "app.main:app", "Application object as module:attribute")
	manifestFile := fs.String("manifest", "", "Dependency manifest file (default requirements.txt)")
	baseImage := fs.String("base-image", "", "Pinned base image override")
	wait := fs.Bool("wait", false, "Stream logs and exit with the container's exit code")
	fs.Parse(args)

	if strings.TrimSpace(*source) == "" && strings.TrimSpace(*gitURL) == "" {
		return 0, errors.New("one of --source or --git is required")
	}

	sourcePath := strings.TrimSpace(*source)
	if sourcePath != "" {
		abs, err := filepath.Abs(sourcePath)
		if err != nil {
			return 0, fmt.Errorf("resolve source path: %w", err)
		}
		sourcePath = abs
	}

	cli, err := newClient()
	if err != nil {
		return 0, err
	}

	req := client.LaunchRequest{
		App:          strings.TrimSpace(*app),
		SourcePath:   sourcePath,
		GitURL:       strings.TrimSpace(*gitURL),
		GitRef:       strings.TrimSpace(*gitRef),
		AppObject:    strings.TrimSpace(*appObject),
		ManifestFile: strings.TrimSpace(*manifestFile),
		BaseImage:    strings.TrimSpace(*baseImage),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	result, err := cli.CreateLaunch(ctx, req)
	cancel()
	if err != nil {
		return 0, err
	}
	fmt.Printf("launch accepted: %s image=%s\n", result.LaunchID, result.Image)

	if !*wait {
		return 0, nil
	}

	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	go func() {
		err := cli.FollowLogs(streamCtx, result.LaunchID, printLogEntry)
		if err != nil && streamCtx.Err() == nil {
			fmt.Fprintf(os.Stderr, "log stream ended: %v\n", err)
		}
	}()

	final, err := cli.WaitForExit(context.Background(), result.LaunchID, 2*time.Second)
	if err != nil {
		return 0, err
	}
	cancelStream()
	printLaunch(final)
	if final.ExitCode != nil {
		return int(*final.ExitCode), nil
	}
	if final.Status == "failed" || final.Status == "crashed" {
		return 1, nil
	}
	return 0, nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	launchID := fs.String("launch", "", "Launch identifier")
	fs.Parse(args)
	if strings.TrimSpace(*launchID) == "" {
		return errors.New("--launch is required")
	}

	cli, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	launch, err := cli.GetLaunch(ctx, strings.TrimSpace(*launchID))
	if err != nil {
		return err
	}
	printLaunch(launch)
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	launchID := fs.String("launch", "", "Launch identifier")
	limit := fs.Int("limit", 100, "Maximum number of log lines")
	follow := fs.Bool("follow", false, "Stream new log lines until interrupted")
	fs.Parse(args)
	if strings.TrimSpace(*launchID) == "" {
		return errors.New("--launch is required")
	}

	cli, err := newClient()
	if err != nil {
		return err
	}
	id := strings.TrimSpace(*launchID)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	entries, err := cli.ListLogs(ctx, id, *limit, 0)
	cancel()
	if err != nil {
		return err
	}
	// Listing is newest first; print oldest first for reading.
	for i := len(entries) - 1; i >= 0; i-- {
		printLogEntry(entries[i])
	}

	if !*follow {
		return nil
	}
	return cli.FollowLogs(context.Background(), id, printLogEntry)
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	app := fs.String("app", "", "Application name")
	limit := fs.Int("limit", 20, "Maximum number of launches")
	fs.Parse(args)
	if strings.TrimSpace(*app) == "" {
		return errors.New("--app is required")
	}

	cli, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	launches, err := cli.ListLaunches(ctx, strings.TrimSpace(*app), *limit)
	if err != nil {
		return err
	}
	if len(launches) == 0 {
		fmt.Printf("no launches for app %s\n", *app)
		return nil
	}
	for _, l := range launches {
		line := fmt.Sprintf("%s  %-9s %s", l.ID, l.Status, l.StartedAt.Format(time.RFC3339))
		if l.ExitCode != nil {
			line += fmt.Sprintf("  exit=%d", *l.ExitCode)
		}
		fmt.Println(line)
	}
	return nil
}

func commandCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	launchID := fs.String("launch", "", "Launch identifier")
	purge := fs.Bool("purge", false, "Also delete the launch record and its logs")
	fs.Parse(args)
	if strings.TrimSpace(*launchID) == "" {
		return errors.New("--launch is required")
	}

	cli, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id := strings.TrimSpace(*launchID)
	if *purge {
		if err := cli.PurgeLaunch(ctx, id); err != nil {
			return err
		}
		fmt.Println("launch deleted")
		return nil
	}
	if err := cli.CancelLaunch(ctx, id); err != nil {
		return err
	}
	fmt.Println("launch cancelled")
	return nil
}

func newClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.DaemonURL, client.WithToken(cfg.AuthToken))
}

func printLaunch(l client.Launch) {
	fmt.Printf("launch: %s\n", l.ID)
	fmt.Printf("  app:        %s\n", l.App)
	fmt.Printf("  status:     %s (%s)\n", l.Status, l.Stage)
	if l.Message != "" {
		fmt.Printf("  message:    %s\n", l.Message)
	}
	if l.HostAddr != "" {
		fmt.Printf("  host addr:  %s\n", l.HostAddr)
	}
	if l.ExitCode != nil {
		fmt.Printf("  exit code:  %d\n", *l.ExitCode)
	}
	if l.Error != "" {
		fmt.Printf("  error:      %s\n", l.Error)
	}
	fmt.Printf("  updated at: %s\n", l.UpdatedAt.Format(time.RFC3339))
}

func printLogEntry(entry client.LogEntry) {
	fmt.Printf("%s [%s] %s: %s\n", entry.CreatedAt.Format(time.RFC3339), entry.Source, entry.Level, entry.Message)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{DaemonURL: client.DefaultBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.DaemonURL == "" {
		cfg.DaemonURL = client.DefaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "gantry", "config.json"), nil
}

func printUsage() {
	fmt.Printf("gantry CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	gantry config [--daemon http://localhost:5000] [--token secret]
	gantry launch --source ./myapp [--app name] [--app-object app.main:app] [--manifest requirements.txt] [--base-image python:3.11-slim] [--wait]
	gantry launch --git https://example.com/myapp.git [--git-ref v1.2.0] [--wait]
	gantry status --launch <launch-id>
	gantry list --app name [--limit N]
	gantry logs --launch <launch-id> [--limit N] [--follow]
	gantry cancel --launch <launch-id> [--purge]
	gantry version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
