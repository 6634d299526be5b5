package main

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/spin-controller/internal/auxlink"
	"github.com/lowaak/smart-trainer/spin-controller/internal/bt"
	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/controller"
	"github.com/lowaak/smart-trainer/spin-controller/internal/dashboard"
	"github.com/lowaak/smart-trainer/spin-controller/internal/dial"
	"github.com/lowaak/smart-trainer/spin-controller/internal/erg"
	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/ftms"
	"github.com/lowaak/smart-trainer/spin-controller/internal/fusion"
	"github.com/lowaak/smart-trainer/spin-controller/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/spin-controller/internal/motion"
	"github.com/lowaak/smart-trainer/spin-controller/internal/shifter"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
	"github.com/lowaak/smart-trainer/spin-controller/internal/thermal"
)

const (
	autoConnectPeriod = 5 * time.Second
	mockNotifyPeriod  = time.Second
	// assumed when there is no thermal zone to read
	ambientTemperature = 25
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop",
	Long: `Run the control loop until interrupted.

Without --headless a dashboard shows live metrics and logs. Up/Down or +/-
shift, E, R and I switch to ERG, resistance and incline mode. S toggles sync
mode, X external control and P simulated power. Esc quits.`,
	RunE: runController,
}

func init() {
	f := runCmd.Flags()
	f.Bool("headless", false, "Log to stderr instead of showing the dashboard")
	f.Bool("mock", false, "Use simulated bluetooth sensors instead of the adapter")
	f.String("aux-port", "", "Aux link serial port, overrides aux_link.port")
	f.Duration("tick", 0, "Control loop period, overrides tick_period")
	rootCmd.AddCommand(runCmd)
}

// flagKeys maps command line overrides to config keys
var flagKeys = map[string]string{
	"aux-port": "aux_link.port",
	"tick":     "tick_period",
}

// bindFlags lets explicitly set flags win over the config file
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return errors.Wrapf(err, "binding --%s", name)
		}
	}
	return nil
}

func runController(cmd *cobra.Command, args []string) (err error) {
	logFileWriter := openLogFile()
	logger := log.New(logOutput(os.Stderr, logFileWriter), "", log.LstdFlags|log.Lmicroseconds)
	if logFileWriter != nil {
		defer func() { err = multierr.Append(err, logFileWriter.Close()) }()
	}

	flags := cmd.Flags()
	headless, _ := flags.GetBool("headless")
	mock, _ := flags.GetBool("mock")

	v := config.NewViper(configFile)
	if err := bindFlags(v, flags); err != nil {
		return err
	}
	cfg, err := config.Load(v, logger)
	if err != nil {
		return err
	}
	settings := cfg.Current()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := state.New()
	hub := events.NewFieldHub()
	fuse := fusion.New(rt, cfg, logger)

	// Bluetooth: sensors we connect to, plus the server training apps connect to
	var manager bt.ManagerInterface
	var peer ftms.Peer = ftms.NoPeer
	var sensors *bt.Sensors
	switch {
	case mock:
		m := bt.NewMockManager(logger)
		m.StartNotifications(mockNotifyPeriod)
		defer m.Shutdown()
		manager = m
	case settings.Bluetooth.Enabled:
		m := bt.NewManager(bluetooth.DefaultAdapter, settings.Bluetooth.ScanTimeout, logger)
		if err := m.Enable(); err != nil {
			return err
		}
		defer m.Shutdown()
		manager = m
	default:
		logger.Println("Main: bluetooth disabled")
	}
	clients := motion.ConsumerCountFunc(func() int {
		if manager == nil {
			return 0
		}
		return manager.ClientCount()
	})
	if manager != nil {
		sensors = bt.NewSensors(manager, fuse, rt, cfg, logger)
		sensors.Start()
		defer sensors.Shutdown()
		peer = sensors
	}

	stepper := motion.NewVirtualStepper(nil)
	mc := motion.NewController(rt, cfg, stepper, clients, hub, logger)
	debouncer := shifter.NewDebouncer(shifter.AlwaysActive, cfg)
	keys := shifter.NewKeys(debouncer, nil)
	sc := shifter.NewController(rt, cfg, debouncer.Events(), peer, hub, logger)
	cp := ftms.NewControlPoint(rt, cfg, peer, hub, logger)
	custom := ftms.NewCustom(rt, hub, logger)

	stages := controller.Stages{
		Fusion:  fuse,
		Shifter: sc,
		Targets: erg.New(rt, cfg, mc, logger),
		Motion:  mc,
	}

	if path := settings.Dial.Path; path != "" {
		stages.Dial = dial.NewSampler(dial.SysfsReader{Path: path}, fuse, cfg, logger)
	}

	var transport *auxlink.SerialTransport
	if port := settings.AuxLink.Port; port != "" {
		transport, err = auxlink.OpenSerial(port, settings.AuxLink.BaudRate, logger)
		if err != nil {
			return err
		}
		proto := auxlink.New(rt, fuse, transport, logger)
		transport.Start(proto.Receive)
		stages.AuxLink = proto
	}

	var sensor thermal.Sensor = thermal.SysfsSensor{Path: settings.Thermal.SensorPath}
	if _, err := sensor.Temperature(); err != nil {
		logger.Printf("Main: no thermal zone (%v), assuming %d C", err, ambientTemperature)
		sensor = thermal.StaticSensor(ambientTemperature)
	}
	guard := thermal.NewGuard(sensor, thermal.NewVirtualDriver(settings.StepperPower), cfg, logger)
	stages.Thermal = guard

	loop := controller.New(stages, cfg, logger)

	var wg sync.WaitGroup
	go_func_utils.SafeGoWait(&wg, logger, func() {
		loop.Run(ctx, 0)
	})
	if sensors != nil {
		go_func_utils.SafeGoWait(&wg, logger, func() {
			sensors.RunAutoConnect(ctx, autoConnectPeriod)
		})
	}

	var server *bt.Server
	if settings.Bluetooth.Enabled && !mock {
		server = bt.NewServer(bluetooth.DefaultAdapter, cp, custom, rt, logger)
		if err := server.Start(settings.Bluetooth.DeviceName); err != nil {
			logger.Printf("Main: training apps cannot connect: %v", err)
		} else {
			go_func_utils.SafeGoWait(&wg, logger, func() {
				server.RunPublisher(ctx, bt.DefaultPublishPeriod)
			})
			go_func_utils.SafeGoWait(&wg, logger, func() {
				server.RunFieldNotifier(ctx, hub)
			})
		}
	}

	if headless {
		<-ctx.Done()
	} else {
		sources := dashboard.Sources{
			Runtime:    rt,
			Stepper:    stepper,
			Thermal:    guard,
			Controller: loop,
			Clients:    clients,
			Fields:     hub,
		}
		if sensors != nil {
			sources.Sensors = sensors
		}
		dash := dashboard.New(sources, keys, cp, custom, logger)
		logger.SetOutput(logOutput(dash.LogWriter(), logFileWriter))
		dashErr := dash.Run(ctx, dashboard.DefaultRefreshPeriod)
		logger.SetOutput(logOutput(os.Stderr, logFileWriter))
		if dashErr != nil {
			err = multierr.Append(err, errors.Wrap(dashErr, "dashboard"))
		}
		stop()
	}

	wg.Wait()
	return multierr.Append(err, shutdown(mc, stepper, server, transport, logger))
}

// shutdown parks the motor and releases hardware
func shutdown(mc *motion.Controller, stepper *motion.VirtualStepper, server *bt.Server, transport *auxlink.SerialTransport, logger *log.Logger) error {
	mc.Stop(false)
	stepper.DisableOutputs()

	var err error
	if server != nil {
		err = multierr.Append(err, server.Stop())
	}
	if transport != nil {
		err = multierr.Append(err, transport.Close())
	}
	logger.Println("Main: shutdown complete")
	return err
}
