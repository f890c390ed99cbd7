package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/chaz8081/bleperiph/internal/config"
	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
	"github.com/chaz8081/bleperiph/internal/peripheral/sim"
)

func main() {
	app := &cli.App{
		Name:  "bleperiph",
		Usage: "run a BLE GATT peripheral described by a YAML profile",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (default: ~/.config/bleperiph/config.yaml)",
			},
			&cli.StringFlag{
				Name:  "adapter",
				Usage: "override the configured adapter (native, tinygo, sim)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
		},
		Action: serveCommand,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "advertise the configured services and answer requests",
				Action: serveCommand,
			},
			{
				Name:   "validate",
				Usage:  "check the config and print the resulting profile",
				Action: validateCommand,
			},
			{
				Name:      "uuid",
				Usage:     "print the canonical and short forms of identifiers",
				ArgsUsage: "<uuid>...",
				Action:    uuidCommand,
			},
			{
				Name:   "init",
				Usage:  "write the default config file",
				Action: initCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("bleperiph: %v", err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. Flag overrides are
// applied before validation.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := readConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if a := c.String("adapter"); a != "" {
		cfg.Adapter = a
	}
	if l := c.String("log-level"); l != "" {
		cfg.LogLevel = l
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func readConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("No config file found, using defaults")
	return config.Default(), nil
}

func setupLogging(level string) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

func serveCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.LogLevel)

	profile, err := cfg.Profile()
	if err != nil {
		return err
	}

	adapter, err := newAdapter(cfg)
	if err != nil {
		return fmt.Errorf("adapter %s: %w", cfg.Adapter, err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := peripheral.New(ctx, adapter, peripheral.Options{
		Capacity:        cfg.ChannelCapacity,
		ResponseTimeout: cfg.ResponseTimeout,
		Logger:          logger,
	})
	if err != nil {
		adapter.Close()
		return err
	}
	defer p.Close()

	printBanner(cfg, profile)

	srv := newServer(p, profile, cfg.Advertising.Name, cfg.AdvertisedServices(), logger)
	if err := srv.setup(ctx); err != nil {
		return err
	}

	logger.Info("Ready! Type a line to notify subscribers, uuid=text to target a characteristic. Ctrl+C to quit.")
	err = srv.run(ctx, scanLines(os.Stdin))
	if err == io.EOF {
		err = nil
	}
	logger.Info("Goodbye!")
	return err
}

// scanLines feeds r line by line into the returned channel, which is closed
// at end of input.
func scanLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

func validateCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	profile, err := cfg.Profile()
	if err != nil {
		return err
	}
	printBanner(cfg, profile)
	for _, svc := range profile.Services {
		fmt.Printf("service %s primary=%v\n", svc.UUID, svc.Primary)
		for _, chr := range svc.Characteristics {
			fmt.Printf("  characteristic %s [%s] perms=[%s] value=%q\n", chr.UUID, chr.Properties, chr.Permissions, chr.Value)
			for _, d := range chr.Descriptors {
				fmt.Printf("    descriptor %s perms=[%s] value=%q\n", d.UUID, d.Permissions, d.Value)
			}
		}
	}
	return nil
}

func uuidCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("uuid: at least one identifier is required", 2)
	}
	for _, arg := range c.Args().Slice() {
		u, err := gatt.ParseUUID(arg)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", u, u.ShortString())
	}
	return nil
}

func initCommand(c *cli.Context) error {
	path, err := config.WriteDefault(c.String("config"))
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println("Config file already exists, leaving it untouched")
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// newSimAdapter returns a powered simulated adapter. Nothing connects to it
// unless a test drives it.
func newSimAdapter() peripheral.Adapter {
	return sim.New(peripheral.PowerOn)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, profile gatt.Profile) {
	chars := 0
	for _, s := range profile.Services {
		chars += len(s.Characteristics)
	}
	fmt.Println("=== bleperiph ===")
	fmt.Printf("  Adapter:   %s\n", cfg.Adapter)
	fmt.Printf("  Name:      %s\n", cfg.Advertising.Name)
	fmt.Printf("  Services:  %d (%d characteristics)\n", len(profile.Services), chars)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
