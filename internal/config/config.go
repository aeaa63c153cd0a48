/*Package config resolves the run parameters of loadctl.

Values come from, in order of precedence, command line flags, LOADCTL_*
environment variables, a TOML file and built-in defaults. A configuration is
frozen once loaded; the run never re-reads it.
*/
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/loadctl/internal/cycle"
	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/instrument"
	"codeberg.org/mutker/loadctl/internal/metrics"
	"codeberg.org/mutker/loadctl/internal/telemetry"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "LOADCTL"
	DefaultConfigName = "loadctl"
	DefaultLogLevel   = LogLevelInfo

	// Output names of the two run modes when output is not set
	DefaultDischargeOutput = "dl3021_log.csv"
	DefaultPulseOutput     = "dl3021_pulse_log.csv"

	thresholdOff = "off"
)

type Config struct {
	Address      string        `mapstructure:"address"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Current      float64       `mapstructure:"current"`
	LoadTime     time.Duration `mapstructure:"load_time"`
	RestTime     time.Duration `mapstructure:"rest_time"`
	SamplePeriod time.Duration `mapstructure:"sample_period"`
	OCVCutoff    float64       `mapstructure:"ocv_cutoff"`  // NaN when off
	MinVoltage   float64       `mapstructure:"min_voltage"` // NaN when off
	MaxCycles    int           `mapstructure:"max_cycles"`
	Output       string        `mapstructure:"output"`
	LogLevel     LogLevel      `mapstructure:"log_level"`
	Metrics      bool          `mapstructure:"metrics"`
	MetricsDB    string        `mapstructure:"metrics_db"`
	MQTTBroker   string        `mapstructure:"mqtt_broker"`
	MQTTTopic    string        `mapstructure:"mqtt_topic"`
}

// flagKeys maps flag names to configuration keys
var flagKeys = map[string]string{
	"address":       "address",
	"timeout":       "timeout",
	"current":       "current",
	"load-time":     "load_time",
	"rest-time":     "rest_time",
	"sample-period": "sample_period",
	"ocv-cutoff":    "ocv_cutoff",
	"min-voltage":   "min_voltage",
	"max-cycles":    "max_cycles",
	"output":        "output",
	"log-level":     "log_level",
	"metrics":       "metrics",
	"metrics-db":    "metrics_db",
	"mqtt-broker":   "mqtt_broker",
	"mqtt-topic":    "mqtt_topic",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", "")
	v.SetDefault("timeout", "5s")
	v.SetDefault("current", 1.0)
	v.SetDefault("load_time", "30s")
	v.SetDefault("rest_time", "60s")
	v.SetDefault("sample_period", "0.5s")
	v.SetDefault("ocv_cutoff", "3.00")
	v.SetDefault("min_voltage", "2.80")
	v.SetDefault("max_cycles", 999)
	v.SetDefault("output", "")
	v.SetDefault("log_level", string(DefaultLogLevel))
	v.SetDefault("metrics", false)
	v.SetDefault("metrics_db", "loadctl.db")
	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_topic", "loadctl")
}

// RegisterFlags defines the configuration flags on fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Path to a TOML configuration file")
	fs.StringP("address", "a", "", "Instrument resource, e.g. TCPIP0::192.168.1.50::5555::SOCKET (empty: first discovered)")
	fs.String("timeout", "5s", "Timeout of every instrument round trip")
	fs.Float64P("current", "i", 1.0, "Constant-current setpoint in amperes")
	fs.String("load-time", "30s", "Length of the load-on phase")
	fs.String("rest-time", "60s", "Length of the rest phase")
	fs.String("sample-period", "0.5s", "Target interval between samples")
	fs.String("ocv-cutoff", "3.00", "Stop after a cycle whose rest voltage is at or below this, or \"off\"")
	fs.String("min-voltage", "2.80", "End a load-on phase once the loaded voltage is at or below this, or \"off\"")
	fs.Int("max-cycles", 999, "Maximum number of cycles")
	fs.StringP("output", "o", "", "CSV output path (default depends on the command)")
	fs.String("log-level", string(DefaultLogLevel), "Log level: debug, info, warning or error")
	fs.Bool("metrics", false, "Archive runs and samples in a SQLite database")
	fs.String("metrics-db", "loadctl.db", "Path of the run archive")
	fs.String("mqtt-broker", "", "MQTT broker URL for live telemetry, e.g. tcp://localhost:1883")
	fs.String("mqtt-topic", "loadctl", "MQTT topic prefix")
}

// Load resolves the configuration. flags may be nil.
func Load(flags *pflag.FlagSet, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{
		envPrefix:  DefaultEnvPrefix,
		searchDirs: []string{"/etc"},
	}
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			o.configPath = f.Value.String()
		}
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, o); err != nil {
		return nil, err
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errFactory.Wrap(errors.ErrBindFlags, err).WithData(name)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, o *options) error {
	errFactory := errors.New()

	path := o.configPath
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err).WithData(path)
		}
		return nil
	}

	v.SetConfigName(DefaultConfigName)
	for _, dir := range o.searchDirs {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

// decode reads the keys by hand so durations accept plain seconds and
// thresholds accept "off"
func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Address:    strings.TrimSpace(v.GetString("address")),
		Output:     v.GetString("output"),
		LogLevel:   LogLevel(strings.ToLower(v.GetString("log_level"))),
		Metrics:    v.GetBool("metrics"),
		MetricsDB:  v.GetString("metrics_db"),
		MQTTBroker: v.GetString("mqtt_broker"),
		MQTTTopic:  v.GetString("mqtt_topic"),
	}

	var err error
	if cfg.Timeout, err = durationKey(v, "timeout"); err != nil {
		return nil, err
	}
	if cfg.LoadTime, err = durationKey(v, "load_time"); err != nil {
		return nil, err
	}
	if cfg.RestTime, err = durationKey(v, "rest_time"); err != nil {
		return nil, err
	}
	if cfg.SamplePeriod, err = durationKey(v, "sample_period"); err != nil {
		return nil, err
	}
	if cfg.Current, err = floatKey(v, "current"); err != nil {
		return nil, err
	}
	if cfg.OCVCutoff, err = thresholdKey(v, "ocv_cutoff"); err != nil {
		return nil, err
	}
	if cfg.MinVoltage, err = thresholdKey(v, "min_voltage"); err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(v.GetString("max_cycles"))
	if cfg.MaxCycles, err = strconv.Atoi(raw); err != nil {
		return nil, invalid("max_cycles", raw, "must be an integer")
	}

	return cfg, nil
}

// durationKey accepts Go durations ("1m30s") and plain seconds ("90", "0.5")
func durationKey(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, invalid(key, raw, "must be a duration or a number of seconds")
	}
	return d, nil
}

func floatKey(v *viper.Viper, key string) (float64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, invalid(key, raw, "must be a number")
	}
	return f, nil
}

func thresholdKey(v *viper.Viper, key string) (float64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if strings.EqualFold(raw, thresholdOff) {
		return cycle.Disabled(), nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, invalid(key, raw, "must be a voltage or \"off\"")
	}
	return f, nil
}

func invalid(field string, value interface{}, reason string) error {
	return errors.New().Wrap(errors.ErrInvalidConfig, &validationError{
		field:  field,
		value:  value,
		reason: reason,
	})
}

// Validate checks every value a run depends on
func (c *Config) Validate() error {
	switch {
	case c.Timeout <= 0:
		return invalid("timeout", c.Timeout, "must be > 0")
	case math.IsNaN(c.Current) || math.IsInf(c.Current, 0) || c.Current <= 0:
		return invalid("current", c.Current, "must be > 0")
	case c.LoadTime <= 0:
		return invalid("load_time", c.LoadTime, "must be > 0")
	case c.RestTime <= 0:
		return invalid("rest_time", c.RestTime, "must be > 0")
	case c.SamplePeriod <= 0:
		return invalid("sample_period", c.SamplePeriod, "must be > 0")
	case math.IsInf(c.OCVCutoff, 0):
		return invalid("ocv_cutoff", c.OCVCutoff, "must be finite or off")
	case math.IsInf(c.MinVoltage, 0):
		return invalid("min_voltage", c.MinVoltage, "must be finite or off")
	case c.MaxCycles < 1:
		return invalid("max_cycles", c.MaxCycles, "must be >= 1")
	case !c.LogLevel.IsValid():
		return errors.New().Wrap(errors.ErrInvalidLogLevel, &validationError{
			field:  "log_level",
			value:  c.LogLevel,
			reason: "must be debug, info, warning or error",
		})
	case c.Metrics && c.MetricsDB == "":
		return invalid("metrics_db", c.MetricsDB, "required when metrics is enabled")
	case c.MQTTBroker != "" && (c.MQTTTopic == "" || strings.ContainsAny(c.MQTTTopic, "#+")):
		return invalid("mqtt_topic", c.MQTTTopic, "must be a non-empty topic without wildcards")
	}

	return nil
}

// Pulse is the cycle configuration of the pulse-discharge run
func (c *Config) Pulse() cycle.Config {
	return cycle.Config{
		Current:      c.Current,
		LoadTime:     c.LoadTime,
		RestTime:     c.RestTime,
		SamplePeriod: c.SamplePeriod,
		OCVCutoff:    c.OCVCutoff,
		MinVoltage:   c.MinVoltage,
		MaxCycles:    c.MaxCycles,
	}
}

// Discharge is the cycle configuration of the single discharge/rebound log
func (c *Config) Discharge() cycle.Config {
	return cycle.Single(c.Current, c.LoadTime, c.RestTime, c.SamplePeriod)
}

// OutputPath returns the configured CSV path or def
func (c *Config) OutputPath(def string) string {
	if c.Output != "" {
		return c.Output
	}
	return def
}

func (c *Config) Instrument() instrument.Options {
	return instrument.Options{Timeout: c.Timeout}
}

func (c *Config) MetricsConfig() metrics.Config {
	mc := metrics.DefaultConfig()
	mc.Enabled = c.Metrics
	mc.DBPath = c.MetricsDB
	return mc
}

func (c *Config) TelemetryConfig() telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Broker = c.MQTTBroker
	tc.TopicPrefix = c.MQTTTopic
	return tc
}

// String renders the run parameters for logs and the run archive
func (c *Config) String() string {
	return fmt.Sprintf(
		"current=%gA load_time=%s rest_time=%s sample_period=%s ocv_cutoff=%s min_voltage=%s max_cycles=%d",
		c.Current, c.LoadTime, c.RestTime, c.SamplePeriod,
		formatThreshold(c.OCVCutoff), formatThreshold(c.MinVoltage), c.MaxCycles,
	)
}

func formatThreshold(v float64) string {
	if cycle.IsDisabled(v) {
		return thresholdOff
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// Params encodes the parameters of a cycle run as JSON for the run archive
func Params(cc cycle.Config) string {
	b, err := json.Marshal(struct {
		Current      float64 `json:"current"`
		LoadTime     float64 `json:"load_time"`
		RestTime     float64 `json:"rest_time"`
		SamplePeriod float64 `json:"sample_period"`
		OCVCutoff    string  `json:"ocv_cutoff"`
		MinVoltage   string  `json:"min_voltage"`
		MaxCycles    int     `json:"max_cycles"`
	}{
		Current:      cc.Current,
		LoadTime:     cc.LoadTime.Seconds(),
		RestTime:     cc.RestTime.Seconds(),
		SamplePeriod: cc.SamplePeriod.Seconds(),
		OCVCutoff:    formatThreshold(cc.OCVCutoff),
		MinVoltage:   formatThreshold(cc.MinVoltage),
		MaxCycles:    cc.MaxCycles,
	})
	if err != nil {
		return "{}"
	}
	return string(b)
}
