// skynetd is the bootstrap glue binary: parse flags, load the config file,
// wire up a runtime.Runtime, launch the bootstrap service, and shut down
// cleanly on a signal. Grounded on cmd/sysbox-fs/main.go's urfave/cli
// skeleton (app.Before for logging setup, app.Action for the real work, a
// dedicated exit-handler goroutine fed by signal.Notify, profile.Start for
// cpu/mem profiling, systemd.SdNotify for readiness).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/opencore-labs/skynet-go/internal/config"
	"github.com/opencore-labs/skynet-go/internal/harbor"
	"github.com/opencore-labs/skynet-go/internal/module"
	"github.com/opencore-labs/skynet-go/internal/runtime"
)

const usage = `skynetd actor runtime

skynetd hosts an in-process actor system: a handle registry, per-service
mailboxes, a worker-pool scheduler, a hierarchical timing wheel, and a
length-prefixed socket reactor. Services are Go modules resolved by name,
either registered in-process or loaded as plugins from the config file's
cpath.
`

var (
	version  string
	commitId string
	builtAt  string
)

func exitHandler(signalChan chan os.Signal, rt *runtime.Runtime, prof interface{ Stop() }) {
	s := <-signalChan
	logrus.Warnf("skynetd caught signal: %s", s)
	logrus.Info("stopping (gracefully) ...")

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	rt.Abort()
	rt.Stop()

	if prof != nil {
		prof.Stop()
	}

	// Give in-flight log lines a moment to flush before exiting.
	time.Sleep(100 * time.Millisecond)

	logrus.Info("exiting ...")
	os.Exit(0)
}

func runProfiler(ctx *cli.Context, cfg *config.Config) (interface{ Stop() }, error) {
	cpuOn := ctx.Bool("cpu-profiling")
	memOn := ctx.Bool("memory-profiling")
	if cpuOn && memOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}

	// No CLI override: the config file's bare "profile" key means "enable
	// cpu profiling", the cheapest useful default.
	if !cpuOn && !memOn && cfg.Profile {
		cpuOn = true
	}

	var prof interface{ Stop() }
	if cpuOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return prof, nil
}

// dialerFromConfig builds a harbor.Dialer from "node<N> = host:port" entries
// in the config file's unrecognized-key bag, e.g. "node3 = 10.0.0.4:7701".
func dialerFromConfig(raw map[string]string) harbor.Dialer {
	targets := make(map[uint8]string)
	for k, v := range raw {
		if !strings.HasPrefix(k, "node") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(k, "node"))
		if err != nil || n < 0 || n > 255 {
			continue
		}
		targets[uint8(n)] = v
	}
	return func(node uint8) (string, bool) {
		target, ok := targets[node]
		return target, ok
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "skynetd"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:     "config",
			Usage:    "path to the skynetd config file",
			Required: true,
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log level: debug, info, warning, error, fatal",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format: text or json",
		},
		cli.StringFlag{
			Name:  "harbor-listen",
			Value: "",
			Usage: "address to listen on for inbound harbor forwards (empty disables)",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("skynetd\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n", c.App.Version, commitId, builtAt)
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.String("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				return fmt.Errorf("opening log file %v: %w", path, err)
			}
			logrus.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
		}

		if ctx.String("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.String("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "info":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			return fmt.Errorf("log-level %q not recognized", ctx.String("log-level"))
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		logrus.Info("initiating skynetd ...")

		fs := afero.NewOsFs()
		cfg, err := config.Load(fs, ctx.String("config"))
		if err != nil {
			return err
		}

		logrus.Infof("thread=%d harbor=%d", cfg.Thread, cfg.Harbor)

		var harborImpl harbor.Harbor = harbor.Nop{}
		if dialTargets := dialerFromConfig(cfg.Raw); cfg.Harbor != 0 {
			harborImpl = harbor.NewGRPC(dialTargets)
		}

		rt := runtime.New(runtime.Options{
			Node:        cfg.Harbor,
			WorkerCount: cfg.Thread,
			Harbor:      harborImpl,
		})
		for k, v := range cfg.Raw {
			rt.EnvSet(k, v)
		}

		if cpath, ok := cfg.Raw["cpath"]; ok {
			rt.SetPluginResolver(module.NewPluginResolver(fs, cpath))
		} else {
			rt.SetPluginResolver(module.NewPluginResolver(fs, "./cservice/?.so"))
		}

		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rt.Run(runCtx)

		if addr := ctx.String("harbor-listen"); addr != "" {
			srv := &harbor.Server{Deliver: rt.DeliverInbound}
			go func() {
				if err := srv.Listen(addr); err != nil {
					logrus.Errorf("harbor listener stopped: %v", err)
				}
			}()
		}

		prof, err := runProfiler(ctx, cfg)
		if err != nil {
			return err
		}

		exitChan := make(chan os.Signal, 1)
		signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		go exitHandler(exitChan, rt, prof)

		if bootstrap, ok := cfg.Raw["bootstrap"]; ok {
			modname, args := module.ParseLaunchArgs(bootstrap)
			h, err := rt.Launch(modname, args)
			if err != nil {
				return fmt.Errorf("bootstrap launch failed: %w", err)
			}
			logrus.Infof("bootstrap service %s launched as %s", modname, h)
		}

		systemd.SdNotify(false, systemd.SdNotifyReady)
		logrus.Info("ready ...")

		<-rt.AbortChan()
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
