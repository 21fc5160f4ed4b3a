package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/helphub/relay/admin"
	"github.com/helphub/relay/config"
	"github.com/helphub/relay/discovery"
	"github.com/helphub/relay/log"
	"github.com/helphub/relay/queue"
	"github.com/helphub/relay/reliability"
	"github.com/helphub/relay/routing"
	"github.com/helphub/relay/transport/framed"
	"github.com/helphub/relay/transport/push"
)

const (
	//Version holds the CLI application version
	Version = "0.1.0"
)

const usageText = `helphub-relay [global options...]

   Starts the relay: the encrypted framed-stream listener for
   programmatic clients, the push listener for web clients, the admin
   control-plane, the reliability sweep, and (unless disabled) the
   local-network discovery announcement.
   If the config option is provided, all other flags are ignored and
   the JSON file is used instead.
`

var (
	cfg config.Options

	chanQuit = make(chan bool)
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

func main() {
	app := cli.NewApp()
	app.Name = "HelpHub Relay"
	app.Usage = "relay emergency messages between programmatic and web clients during a crisis"
	app.UsageText = usageText
	app.HelpName = "helphub-relay"
	app.Version = Version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration JSON `FILE` to use instead of options (empty = no config)",
		},

		cli.StringFlag{
			Name:  "framed-host",
			Usage: "`HOST` address or IP for the framed-stream listener",
			Value: config.DefaultOptions.Framed.Host,
		},
		cli.UintFlag{
			Name:  "framed-port",
			Usage: "`PORT` number for the framed-stream listener",
			Value: config.DefaultOptions.Framed.Port,
		},
		cli.StringFlag{
			Name:  "keystore",
			Usage: "`FILE` holding the framed-stream TLS certificate and private key",
			Value: config.DefaultOptions.Framed.KeystorePath,
		},
		cli.UintFlag{
			Name:  "connection-timeout",
			Usage: "`SECONDS` a framed session may idle before the reliability sweep disconnects it",
			Value: config.DefaultOptions.Framed.ConnectionTimeout,
		},

		cli.StringFlag{
			Name:  "push-host",
			Usage: "`HOST` address or IP for the push (web client) listener",
			Value: config.DefaultOptions.Push.Host,
		},
		cli.UintFlag{
			Name:  "push-port",
			Usage: "`PORT` number for the push listener",
			Value: config.DefaultOptions.Push.Port,
		},
		cli.StringFlag{
			Name:  "webapp",
			Usage: "`DIR` of static assets served to web clients",
			Value: config.DefaultOptions.Push.WebAppDir,
		},

		cli.StringFlag{
			Name:  "admin-host",
			Usage: "`HOST` address or IP for the admin control-plane",
			Value: config.DefaultOptions.Admin.Host,
		},
		cli.UintFlag{
			Name:  "admin-port",
			Usage: "`PORT` number for the admin control-plane",
			Value: config.DefaultOptions.Admin.Port,
		},

		cli.StringFlag{
			Name:  "data-dir",
			Usage: "`DIR` for on-disk persistence, created if missing",
			Value: config.DefaultOptions.Data.Dir,
		},
		cli.StringFlag{
			Name:  "db, d",
			Usage: "durable queue's SQLite `FILE`, relative to data-dir",
			Value: config.DefaultOptions.Data.DBFile,
		},

		cli.BoolFlag{
			Name:  "no-discovery",
			Usage: "disable the local-network service announcement",
		},

		cli.StringFlag{
			Name:  "log, l",
			Usage: "`FILE` to write usage/error logs to (empty does not write logs)",
			Value: config.DefaultOptions.Logging.Path,
		},
		cli.StringFlag{
			Name:  "log-level, L",
			Usage: "logging `LEVEL` to use options are [DEBUG|INFO|WARN|ERROR]",
			Value: config.DefaultOptions.Logging.Level,
		},
		cli.BoolFlag{
			Name:  "log-blur",
			Usage: "set the logging blurTimestamps option (no log output reads it; timestamps are not rounded)",
		},
	}

	app.Action = runServer

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

//initialize loads configuration and starts logging as early as possible
func initialize(c *cli.Context) error {
	var err error

	cfgFile := c.String("config")
	cfg, err = config.NewOptions(nil, cfgFile, c)
	if err != nil {
		return fmt.Errorf("failed to parse configuration options; error = %s", err.Error())
	}
	config.Opts = &cfg

	if err := log.Initialize(cfg.Logging); err != nil {
		return fmt.Errorf("failed to startup server due to logging issue; error = %s", err.Error())
	}
	log.Info("initialized logging")

	return nil
}

//blockUntilSignalOrTermination holds the main thread until either an
//interrupt from the OS, or the chanQuit receives a message
func blockUntilSignalOrTermination() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("closing due to interrupt")
	case <-chanQuit:
		log.Info("closing from quit message")
	}
}

//tailLogFile returns a tailLog closure reading the last n lines of path,
//or nil if no log file is configured. Read fully into memory; the log
//files this serves are operator-sized, not rotated megabyte streams.
func tailLogFile(path string) func(n int) ([]string, error) {
	if path == "" {
		return nil
	}
	return func(n int) ([]string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if len(lines) > n {
			lines = lines[len(lines)-n:]
		}
		return lines, nil
	}
}

func runServer(c *cli.Context) error {
	if err := initialize(c); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0750); err != nil {
		log.Err("failed to create data directory", err)
		return err
	}

	q, err := queue.Open(filepath.Join(cfg.Data.Dir, cfg.Data.DBFile))
	if err != nil {
		log.Err("failed to open durable queue", err)
		return err
	}
	defer q.Close()

	registry := routing.New(q)

	framedListener, err := framed.Listen(
		cfg.Framed.Host, cfg.Framed.Port, cfg.Framed.KeystorePath,
		time.Duration(cfg.Framed.ConnectionTimeout)*time.Second, registry,
	)
	if err != nil {
		log.Err("failed to start framed-stream listener", err)
		return err
	}
	go framedListener.Serve()
	defer framedListener.Close()

	pushListener := push.New(cfg.Push.Host, cfg.Push.Port, cfg.Push.WebAppDir, registry)
	go pushListener.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pushListener.Shutdown(ctx)
	}()

	adminPassword := os.Getenv("ADMIN_PASSWORD")
	if adminPassword == "" {
		log.Warn("ADMIN_PASSWORD is not set, the admin control-plane will refuse every request")
	}
	controlPlane, err := admin.Listen(cfg.Admin.Host, cfg.Admin.Port, adminPassword, registry, q)
	if err != nil {
		log.Err("failed to start admin control-plane", err)
		return err
	}
	go controlPlane.Serve()
	defer controlPlane.Close()

	sweeper := reliability.New(registry, q, time.Duration(cfg.Framed.ConnectionTimeout)*time.Second)
	go sweeper.Start()
	defer sweeper.Stop()

	var announcer *discovery.Announcer
	if cfg.Discovery.Enabled {
		announcer, err = discovery.Announce(cfg.Discovery.ServiceName, int(cfg.Framed.Port))
		if err != nil {
			log.Err("failed to announce on the local network", err)
		} else {
			defer announcer.Shutdown()
		}
	}

	console := admin.NewConsole(registry, q, tailLogFile(cfg.Logging.Path))
	go console.Run(os.Stdin, os.Stdout)

	log.Info("helphub relay is running")
	blockUntilSignalOrTermination()

	return nil
}
