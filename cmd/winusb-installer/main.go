package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/guseggert/winusbinstall/client"
	"github.com/guseggert/winusbinstall/config"
	"github.com/guseggert/winusbinstall/driver"
	"github.com/guseggert/winusbinstall/driver/usb"
	"github.com/guseggert/winusbinstall/internal/files"
	"github.com/guseggert/winusbinstall/protocol"
	"github.com/guseggert/winusbinstall/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultConfigPath = "winusb-installer.yaml"

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "Path to the YAML config file. Defaults to the nearest " + defaultConfigPath + " in the working directory or its parents.",
}

func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("getting working directory: %w", err)
		}
		if path, err = files.FindUp(defaultConfigPath, wd); err != nil {
			return config.Config{}, err
		}
		if path == "" {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func main() {
	app := &cli.App{
		Name:  "winusb-installer",
		Usage: "install USB drivers from an unprivileged process through an elevated helper",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also write logs to this file.",
			},
		},
		Commands: []*cli.Command{
			installCommand,
			devicesCommand,
			elevatedCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if f := c.String("log-file"); f != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, f)
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, f)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l, nil
}

var installCommand = &cli.Command{
	Name:  "install",
	Usage: "install the configured driver for the configured devices",
	Flags: []cli.Flag{
		configFlag,
		&cli.StringSliceFlag{
			Name:  "device",
			Usage: "Device to install for, as VID:PID or VID:PID:MI_xx in hex. Adds to the config devices.",
		},
		&cli.StringFlag{
			Name:  "wdi-simple",
			Usage: "Path to the wdi-simple tool, overriding the config.",
		},
		&cli.BoolFlag{
			Name:  "show-window",
			Usage: "Show the console window of the elevated helper.",
		},
	},
	Action: func(c *cli.Context) error {
		l, err := newLogger(c)
		if err != nil {
			return err
		}
		defer l.Sync()

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		for _, s := range c.StringSlice("device") {
			d, err := parseDevice(s)
			if err != nil {
				return err
			}
			cfg.Devices = append(cfg.Devices, d)
		}
		if p := c.String("wdi-simple"); p != "" {
			cfg.Driver.WDISimple = p
		}
		if c.Bool("show-window") {
			cfg.Client.ShowWindow = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if len(cfg.Devices) == 0 {
			return errors.New("no devices to install for, use --device or the config file")
		}

		// the elevated helper reads the effective config back from this file
		f, err := os.CreateTemp("", "winusb-installer-*.yaml")
		if err != nil {
			return fmt.Errorf("creating config for the elevated helper: %w", err)
		}
		f.Close()
		defer os.Remove(f.Name())
		if err := cfg.Save(f.Name()); err != nil {
			return err
		}

		exe := cfg.Client.Executable
		if exe == "" {
			if exe, err = os.Executable(); err != nil {
				return fmt.Errorf("finding executable: %w", err)
			}
		}
		args := []string{"--log-level", c.String("log-level")}
		if lf := c.String("log-file"); lf != "" {
			args = append(args, "--log-file", lf+".elevated")
		}
		args = append(args, "elevated", "--config", f.Name())

		srv, err := server.New(
			server.WithLogger(l),
			server.WithClientCommand(exe, args...),
			server.WithShowWindow(cfg.Client.ShowWindow),
			server.WithHandshakeTimeout(cfg.Timeouts.Handshake),
			server.WithRequestTimeout(cfg.Timeouts.Request),
			server.WithShutdownGrace(cfg.Timeouts.ShutdownGrace),
			server.WithMaxFrameSize(cfg.Transport.MaxFrameSize),
			server.WithProgressHandler(func(_ uuid.UUID, t protocol.Target, p protocol.Progress) {
				l.Sugar().Infow("progress", "device", t.String(), "percent", p.Percent)
			}),
		)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
		defer stop()

		targets := cfg.Targets()
		results, err := srv.Install(ctx, targets)
		if results != nil {
			printResults(c, targets, results)
		}
		if err != nil {
			return err
		}
		for _, r := range results {
			if !r.Succeeded() {
				return cli.Exit("", 1)
			}
		}
		return nil
	},
}

func printResults(c *cli.Context, targets []protocol.Target, results []protocol.InstallResult) {
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tOUTCOME\tDRIVER\tDETAIL")
	for i, r := range results {
		drv := ""
		if r.Driver != nil {
			drv = r.Driver.Name
		}
		outcome := string(r.Outcome)
		if r.Reason != "" {
			outcome += " (" + string(r.Reason) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", targets[i], outcome, drv, r.Detail)
	}
	w.Flush()
}

// parseDevice parses VID:PID or VID:PID:MI_xx, with hex ids.
func parseDevice(s string) (config.Device, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return config.Device{}, fmt.Errorf("invalid device %q, want VID:PID[:MI_xx]", s)
	}
	vid, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 16)
	if err != nil {
		return config.Device{}, fmt.Errorf("invalid vendor id in %q: %w", s, err)
	}
	pid, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 16)
	if err != nil {
		return config.Device{}, fmt.Errorf("invalid product id in %q: %w", s, err)
	}
	d := config.Device{VendorID: uint16(vid), ProductID: uint16(pid)}
	if len(parts) == 3 {
		d.Interface = strings.ToUpper(parts[2])
	}
	return d, nil
}

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "list attached USB devices",
	Action: func(c *cli.Context) error {
		l, err := newLogger(c)
		if err != nil {
			return err
		}
		defer l.Sync()

		devs, err := usb.NewEnumerator(l.Sugar()).EnumerateDevices(c.Context)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tID\tINTERFACE\tDESCRIPTION")
		for _, d := range devs {
			fmt.Fprintf(w, "%s\t%04x:%04x\t%s\t%s\n", d.Path, d.VendorID, d.ProductID, d.Interface, d.Description)
		}
		return w.Flush()
	},
}

var elevatedCommand = &cli.Command{
	Name:   "elevated",
	Usage:  "run as the elevated helper of an install session",
	Hidden: true,
	Flags: []cli.Flag{
		configFlag,
		&cli.StringFlag{
			Name:     "channel",
			Usage:    "The channel to connect to.",
			Required: true,
		},
		&cli.IntFlag{
			Name:     "protocol-version",
			Usage:    "The protocol version expected by the server.",
			Required: true,
		},
	},
	Action: func(c *cli.Context) error {
		l, err := newLogger(c)
		if err != nil {
			return cli.Exit(err, client.ExitSetup)
		}
		defer l.Sync()

		cfg, err := loadConfig(c)
		if err != nil {
			l.Sugar().Errorw("loading config", "error", err)
			return cli.Exit("", client.ExitSetup)
		}

		installer := driver.NewWDISimple(cfg.Driver.WDISimple,
			driver.WithEnumerator(usb.NewEnumerator(l.Sugar())),
			driver.WithLogger(l.Sugar()),
		)
		runner := client.New(installer,
			client.WithLogger(l),
			client.WithConnectTimeout(cfg.Timeouts.Connect),
			client.WithMaxFrameSize(cfg.Transport.MaxFrameSize),
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		code := runner.Run(ctx, c.String("channel"), c.Int("protocol-version"))
		if code != client.ExitOK {
			return cli.Exit("", code)
		}
		return nil
	},
}
