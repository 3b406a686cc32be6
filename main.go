package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/r0bb10/buttonosc/internal/config"
	"github.com/r0bb10/buttonosc/internal/controller"
	"github.com/r0bb10/buttonosc/internal/dispatch"
	"github.com/r0bb10/buttonosc/internal/logging"
	"github.com/r0bb10/buttonosc/internal/netup"
)

const FirmwareVersion = "1.2.0"

var log = logging.For("main")

// platform constructs the hardware-facing parts of the application.
type platform struct {
	openHardware func(chip string) (controller.Hardware, error)
	ethernet     func(iface string) netup.Ethernet
	wifi         func(iface string) netup.WiFi
}

// Application owns everything built at boot.
type Application struct {
	config    *config.Config
	platform  platform
	bringup   *netup.Bringup
	transport *dispatch.UDPTransport
	mirror    *dispatch.Mirror
	ctrl      *controller.Controller
}

// NewApplication loads the configuration. Nothing else is touched, so a bad
// file stops the boot before any hardware is claimed.
func NewApplication(configFile string, p platform) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return &Application{config: cfg, platform: p}, nil
}

// Start brings the network up, opens the shared socket and builds the
// buttons. It blocks until a network is available.
func (app *Application) Start(ctx context.Context, chip string) error {
	n := app.config.Network()
	var eth netup.Ethernet
	if n.Ethernet != nil {
		eth = app.platform.ethernet(n.Ethernet.Interface)
	}
	var wifi netup.WiFi
	if n.WiFi != nil {
		wifi = app.platform.wifi(n.WiFi.Interface)
	}
	app.bringup = netup.New(n, eth, wifi)
	link, err := app.bringup.Run(ctx)
	if err != nil {
		return errors.Wrap(err, "network")
	}
	log.WithFields(logrus.Fields{"medium": link.Medium(), "iface": link.Interface}).Info("network ready")

	app.transport, err = dispatch.ListenUDP(app.config.Misc().LocalPort, link.Interface, link.Medium())
	if err != nil {
		return err
	}
	log.WithField("transport", app.transport.String()).Debug("socket open")

	if mc, ok := app.config.MQTT(); ok {
		app.mirror, err = dispatch.NewMirror(mc)
		if err != nil {
			log.WithError(err).Warn("click mirror disabled")
		}
	}

	hw, err := app.platform.openHardware(chip)
	if err != nil {
		return errors.Wrap(err, "gpio")
	}
	router := dispatch.NewRouter(app.config, app.transport, nil)
	app.ctrl, err = controller.New(ctx, app.config, hw, router, app.mirror)
	if err != nil {
		if cerr := hw.Close(); cerr != nil {
			log.WithError(cerr).Warn("error closing GPIO")
		}
		return err
	}
	return nil
}

// Run drives the main loop until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	return app.ctrl.Run(ctx, time.Now, app.bringup.Maintain)
}

// Shutdown releases whatever Start managed to build.
func (app *Application) Shutdown() error {
	if app.ctrl != nil {
		if err := app.ctrl.Close(); err != nil {
			log.WithError(err).Error("error closing GPIO")
		}
	}
	if app.mirror != nil {
		app.mirror.Close()
	}
	if app.transport != nil {
		return app.transport.Close()
	}
	return nil
}

func run(args []string, p platform) error {
	fs := pflag.NewFlagSet("buttonosc", pflag.ContinueOnError)
	configFile := fs.String("config", "config.json", "configuration file")
	logLevel := fs.String("log-level", "", "trace, debug, verbose, info, warn or error")
	chip := fs.String("chip", "", "GPIO chip device (overrides misc.chip)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	// The configuration path may also be given positionally.
	if fs.NArg() > 0 && !fs.Changed("config") {
		*configFile = fs.Arg(0)
	}

	if *logLevel != "" {
		if err := applyLevel(*logLevel); err != nil {
			return err
		}
	}
	log.Infof("ButtonOSC v%s", FirmwareVersion)

	app, err := NewApplication(*configFile, p)
	if err != nil {
		return err
	}
	misc := app.config.Misc()
	if *logLevel == "" && misc.LogLevel != "" {
		if err := applyLevel(misc.LogLevel); err != nil {
			return err
		}
	}
	log.WithField("config", app.config.String()).Debug("configuration loaded")
	if *chip == "" {
		*chip = misc.Chip
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx, *chip); err != nil {
		if serr := app.Shutdown(); serr != nil {
			log.WithError(serr).Warn("shutdown error")
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	log.Info("running, press Ctrl+C to exit")
	err = app.Run(ctx)

	log.Info("shutting down")
	if serr := app.Shutdown(); serr != nil {
		log.WithError(serr).Warn("shutdown error")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func applyLevel(s string) error {
	lvl, err := logging.ParseLevel(s)
	if err != nil {
		return errors.Wrapf(err, "log level %q", s)
	}
	logging.SetLevel(lvl)
	return nil
}

func main() {
	if err := run(os.Args[1:], defaultPlatform()); err != nil {
		log.WithError(err).Fatal("critical")
	}
}
