package config

import (
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// External sensor preferences with special meaning
const (
	SensorNone = "none"
	SensorAny  = "any"
)

const (
	EnvPrefix      = "SPIN"
	ConfigName     = "spin-controller"
	ConfigType     = "yaml"
	homeConfigPath = "$HOME/.spin-controller"
)

// PWCSettings holds two heart rate/power sessions describing the rider's
// physical working capacity line, used to estimate power from heart rate
type PWCSettings struct {
	Session1HR  float64 `mapstructure:"session1_hr"`
	Session1Pwr float64 `mapstructure:"session1_pwr"`
	Session2HR  float64 `mapstructure:"session2_hr"`
	Session2Pwr float64 `mapstructure:"session2_pwr"`
	Enabled     bool    `mapstructure:"hr2pwr"`
}

type AuxLinkSettings struct {
	Port     string `mapstructure:"port"` // empty disables the serial link
	BaudRate int    `mapstructure:"baud_rate"`
}

// DialSettings locates the ADC channel of a resistance dial (potentiometer)
type DialSettings struct {
	Path   string        `mapstructure:"path"` // empty disables the dial
	Period time.Duration `mapstructure:"period"`
}

type BluetoothSettings struct {
	Enabled     bool          `mapstructure:"enabled"`
	DeviceName  string        `mapstructure:"device_name"` // advertised to training apps
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
}

type ThermalSettings struct {
	SensorPath string  `mapstructure:"sensor_path"`
	Threshold  float64 `mapstructure:"threshold"` // degrees C
}

// Settings is an immutable snapshot of the user configuration.
// A new snapshot replaces the old one whenever the config file changes;
// components must re-read Current() rather than caching fields.
type Settings struct {
	ShiftStep             int64   `mapstructure:"shift_step"`
	ERGPerShift           float64 `mapstructure:"erg_per_shift"`
	StepperSpeed          float64 `mapstructure:"stepper_speed"` // Hz
	StepperPower          float64 `mapstructure:"stepper_power"` // mA
	MinWatts              float64 `mapstructure:"min_watts"`
	MaxWatts              float64 `mapstructure:"max_watts"`
	PowerCorrectionFactor float64 `mapstructure:"power_correction_factor"`
	InclineMultiplier     float64 `mapstructure:"incline_multiplier"`
	InvertShifter         bool    `mapstructure:"invert_shifter"`
	InvertStepper         bool    `mapstructure:"invert_stepper"`
	ConnectedPowerMeter   string  `mapstructure:"connected_power_meter"`
	ConnectedHeartMonitor string  `mapstructure:"connected_heart_monitor"`
	ERGPassthrough        bool    `mapstructure:"erg_passthrough"`
	ERGSensitivity        float64 `mapstructure:"erg_sensitivity"` // steps per watt of error
	MinERGCadence         float64 `mapstructure:"min_erg_cadence"` // rpm

	ERGPeriod  time.Duration `mapstructure:"erg_period"`

	TickPeriod time.Duration `mapstructure:"tick_period"`

	PWC       PWCSettings       `mapstructure:"pwc"`
	AuxLink   AuxLinkSettings   `mapstructure:"aux_link"`
	Thermal   ThermalSettings   `mapstructure:"thermal"`
	Bluetooth BluetoothSettings `mapstructure:"bluetooth"`
	Dial      DialSettings      `mapstructure:"resistance_dial"`
}

// Defaults returns the settings used when no config file or override exists
func Defaults() Settings {
	return Settings{
		ShiftStep:             1200,
		ERGPerShift:           10,
		StepperSpeed:          1500,
		StepperPower:          900,
		MinWatts:              25,
		MaxWatts:              2000,
		PowerCorrectionFactor: 1.0,
		InclineMultiplier:     3.0,
		ConnectedPowerMeter:   SensorAny,
		ConnectedHeartMonitor: SensorAny,
		ERGPassthrough:        true,
		ERGSensitivity:        5,
		MinERGCadence:         30,
		ERGPeriod:             700 * time.Millisecond,
		TickPeriod:            5 * time.Millisecond,
		PWC: PWCSettings{
			Session1HR:  129,
			Session1Pwr: 100,
			Session2HR:  154,
			Session2Pwr: 150,
		},
		AuxLink: AuxLinkSettings{
			BaudRate: 19200,
		},
		Thermal: ThermalSettings{
			SensorPath: "/sys/class/thermal/thermal_zone0/temp",
			Threshold:  72,
		},
		Bluetooth: BluetoothSettings{
			Enabled:     true,
			DeviceName:  "SpinController",
			ScanTimeout: 10 * time.Second,
		},
		Dial: DialSettings{
			Period: 100 * time.Millisecond,
		},
	}
}

// SetDefaults registers every key with viper so env overrides and
// Unmarshal see the full key set
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("shift_step", d.ShiftStep)
	v.SetDefault("erg_per_shift", d.ERGPerShift)
	v.SetDefault("stepper_speed", d.StepperSpeed)
	v.SetDefault("stepper_power", d.StepperPower)
	v.SetDefault("min_watts", d.MinWatts)
	v.SetDefault("max_watts", d.MaxWatts)
	v.SetDefault("power_correction_factor", d.PowerCorrectionFactor)
	v.SetDefault("incline_multiplier", d.InclineMultiplier)
	v.SetDefault("invert_shifter", d.InvertShifter)
	v.SetDefault("invert_stepper", d.InvertStepper)
	v.SetDefault("connected_power_meter", d.ConnectedPowerMeter)
	v.SetDefault("connected_heart_monitor", d.ConnectedHeartMonitor)
	v.SetDefault("erg_passthrough", d.ERGPassthrough)
	v.SetDefault("erg_sensitivity", d.ERGSensitivity)
	v.SetDefault("min_erg_cadence", d.MinERGCadence)
	v.SetDefault("erg_period", d.ERGPeriod)
	v.SetDefault("tick_period", d.TickPeriod)
	v.SetDefault("pwc.session1_hr", d.PWC.Session1HR)
	v.SetDefault("pwc.session1_pwr", d.PWC.Session1Pwr)
	v.SetDefault("pwc.session2_hr", d.PWC.Session2HR)
	v.SetDefault("pwc.session2_pwr", d.PWC.Session2Pwr)
	v.SetDefault("pwc.hr2pwr", d.PWC.Enabled)
	v.SetDefault("aux_link.port", d.AuxLink.Port)
	v.SetDefault("aux_link.baud_rate", d.AuxLink.BaudRate)
	v.SetDefault("thermal.sensor_path", d.Thermal.SensorPath)
	v.SetDefault("thermal.threshold", d.Thermal.Threshold)
	v.SetDefault("bluetooth.enabled", d.Bluetooth.Enabled)
	v.SetDefault("bluetooth.device_name", d.Bluetooth.DeviceName)
	v.SetDefault("bluetooth.scan_timeout", d.Bluetooth.ScanTimeout)
	v.SetDefault("resistance_dial.path", d.Dial.Path)
	v.SetDefault("resistance_dial.period", d.Dial.Period)
}

// Provider gives read-only access to the current settings
type Provider interface {
	Current() *Settings
}

// Store holds the current Settings snapshot behind an atomic pointer so the
// control tick never blocks on a config reload
type Store struct {
	current atomic.Pointer[Settings]
}

var _ Provider = (*Store)(nil)

// NewStore returns a Store serving s until the next Update
func NewStore(s Settings) *Store {
	store := &Store{}
	store.Update(s)
	return store
}

func (s *Store) Current() *Settings {
	return s.current.Load()
}

func (s *Store) Update(settings Settings) {
	s.current.Store(&settings)
}

// NewViper returns a viper instance configured with defaults, the SPIN_ env
// prefix and the standard search path. configFile overrides the search path.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType(ConfigType)
		v.AddConfigPath(homeConfigPath)
		v.AddConfigPath(".")
	}
	return v
}

// Load reads the config (a missing file is not an error) and returns a Store
// kept up to date with the file through viper's watcher
func Load(v *viper.Viper, logger *log.Logger) (*Store, error) {
	if v == nil {
		panic("Config: viper cannot be nil")
	}
	if logger == nil {
		panic("Config: logger cannot be nil")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
		logger.Printf("Config: no config file found, using defaults")
	} else {
		logger.Printf("Config: loaded %s", v.ConfigFileUsed())
	}

	settings, err := decode(v)
	if err != nil {
		return nil, err
	}
	store := NewStore(settings)

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decode(v)
			if err != nil {
				logger.Printf("Config: ignoring change to %s: %v", e.Name, err)
				return
			}
			store.Update(updated)
			logger.Printf("Config: reloaded %s", e.Name)
		})
		v.WatchConfig()
	}

	return store, nil
}

func decode(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decoding config")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the control loop cannot operate with
func (s Settings) Validate() error {
	if s.PowerCorrectionFactor <= 0 {
		return errors.Errorf("power_correction_factor must be > 0, got %v", s.PowerCorrectionFactor)
	}
	if s.MinWatts > s.MaxWatts {
		return errors.Errorf("min_watts (%v) greater than max_watts (%v)", s.MinWatts, s.MaxWatts)
	}
	if s.StepperSpeed <= 0 {
		return errors.Errorf("stepper_speed must be > 0, got %v", s.StepperSpeed)
	}
	if s.ERGPeriod <= 0 {
		return errors.Errorf("erg_period must be > 0, got %v", s.ERGPeriod)
	}
	if s.ERGSensitivity <= 0 {
		return errors.Errorf("erg_sensitivity must be > 0, got %v", s.ERGSensitivity)
	}
	if s.TickPeriod <= 0 {
		return errors.Errorf("tick_period must be > 0, got %v", s.TickPeriod)
	}
	if s.PWC.Session1HR == s.PWC.Session2HR {
		return errors.New("pwc sessions must use different heart rates")
	}
	return nil
}
