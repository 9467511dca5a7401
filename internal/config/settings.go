// Package config resolves pipewait run settings from flags and PIPEWAIT_*
// environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Paintersrp/pipewait/internal/bytesize"
)

// EnvPrefix namespaces environment overrides, e.g. PIPEWAIT_TIMEOUT.
const EnvPrefix = "PIPEWAIT"

const (
	KeyConfig       = "config"
	KeyName         = "name"
	KeyWorkdir      = "workdir"
	KeyEnv          = "env"
	KeyEnvFile      = "env-file"
	KeyStdin        = "stdin"
	KeySize         = "size"
	KeyFill         = "fill"
	KeyKillOnCancel = "kill-on-cancel"
	KeyTimeout      = "timeout"
	KeyStopTimeout  = "stop-timeout"
	KeyDrainTimeout = "drain-timeout"
	KeyEventBuffer  = "event-buffer"
	KeyChildStdout  = "child-stdout"
	KeyLogFormat    = "log-format"
	KeyLogLevel     = "log-level"
	KeyOutput       = "output"
	KeyMetricsFile  = "metrics-file"
	KeyOTLPEndpoint = "otlp-endpoint"
)

const (
	LogFormatAuto = "auto"
	LogFormatText = "text"
	LogFormatJSON = "json"

	OutputText  = "text"
	OutputTable = "table"
	OutputJSON  = "json"
	OutputYAML  = "yaml"
)

// Settings are the resolved inputs of one `pipewait run`.
type Settings struct {
	Name    string
	Command []string
	Workdir string
	Env     map[string]string

	Stdin bool
	Size  int
	Fill  byte

	KillOnCancel bool
	Timeout      time.Duration
	StopTimeout  time.Duration
	DrainTimeout time.Duration
	EventBuffer  int
	ChildStdout  bool

	LogFormat    string
	LogLevel     string
	Output       string
	MetricsFile  string
	OTLPEndpoint string
}

// New returns a viper instance reading PIPEWAIT_* overrides, with defaults
// for every run setting.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyFill, "0xFF")
	v.SetDefault(KeyKillOnCancel, true)
	v.SetDefault(KeyStopTimeout, 5*time.Second)
	v.SetDefault(KeyDrainTimeout, 2*time.Second)
	v.SetDefault(KeyEventBuffer, 256)
	v.SetDefault(KeyLogFormat, LogFormatAuto)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyOutput, OutputText)
	return v
}

// RegisterFlags declares the run flags. Defaults live in New so environment
// variables win over unset flags.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP(KeyConfig, "f", "", "YAML run file; flags and PIPEWAIT_* variables override its values")
	fs.String(KeyName, "", "Display name for the child (defaults to the executable name)")
	fs.String(KeyWorkdir, "", "Working directory for the child")
	fs.StringSlice(KeyEnv, nil, "Extra child environment as KEY=VALUE (repeatable)")
	fs.String(KeyEnvFile, "", "File of KEY=VALUE lines added to the child environment")
	fs.Bool(KeyStdin, false, "Redirect child stdin and transfer a payload")
	fs.String(KeySize, "0", "Payload size in bytes or with a binary suffix (64KiB, 1Mi), passed to the child as its only argument")
	fs.String(KeyFill, "0xFF", "Payload fill byte (decimal or 0x hex)")
	fs.Bool(KeyKillOnCancel, true, "Stop the child after the run is cancelled")
	fs.Duration(KeyTimeout, 0, "Cancel the run after this duration (0 disables)")
	fs.Duration(KeyStopTimeout, 5*time.Second, "Bound on graceful then forced child termination")
	fs.Duration(KeyDrainTimeout, 2*time.Second, "Bound on stderr draining after the child exits")
	fs.Int(KeyEventBuffer, 256, "Buffered lifecycle and stderr events before lines are dropped")
	fs.Bool(KeyChildStdout, false, "Forward child stdout to pipewait's stdout")
	fs.String(KeyLogFormat, LogFormatAuto, "Diagnostic log format: auto, text or json")
	fs.String(KeyLogLevel, "info", "Diagnostic log level")
	fs.StringP(KeyOutput, "o", OutputText, "Run report format: text, table, json or yaml")
	fs.String(KeyMetricsFile, "", "Write Prometheus metrics to this textfile after the run")
	fs.String(KeyOTLPEndpoint, "", "Export run traces to this OTLP/HTTP endpoint")
}

// Load resolves settings from v for the given command line.
func Load(v *viper.Viper, command []string) (Settings, error) {
	if path := v.GetString(KeyConfig); path != "" {
		fileCommand, err := mergeRunFile(v, path)
		if err != nil {
			return Settings{}, err
		}
		if len(command) == 0 {
			command = fileCommand
		}
	}

	fill, err := ParseFill(v.GetString(KeyFill))
	if err != nil {
		return Settings{}, err
	}

	size, err := bytesize.Parse(v.GetString(KeySize))
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", KeySize, err)
	}

	env, err := resolveEnv(v.GetString(KeyEnvFile), v.GetStringSlice(KeyEnv))
	if err != nil {
		return Settings{}, err
	}

	s := Settings{
		Name:         strings.TrimSpace(v.GetString(KeyName)),
		Command:      append([]string(nil), command...),
		Workdir:      v.GetString(KeyWorkdir),
		Env:          env,
		Stdin:        v.GetBool(KeyStdin),
		Size:         size,
		Fill:         fill,
		KillOnCancel: v.GetBool(KeyKillOnCancel),
		Timeout:      v.GetDuration(KeyTimeout),
		StopTimeout:  v.GetDuration(KeyStopTimeout),
		DrainTimeout: v.GetDuration(KeyDrainTimeout),
		EventBuffer:  v.GetInt(KeyEventBuffer),
		ChildStdout:  v.GetBool(KeyChildStdout),
		LogFormat:    strings.ToLower(v.GetString(KeyLogFormat)),
		LogLevel:     v.GetString(KeyLogLevel),
		Output:       strings.ToLower(v.GetString(KeyOutput)),
		MetricsFile:  v.GetString(KeyMetricsFile),
		OTLPEndpoint: v.GetString(KeyOTLPEndpoint),
	}
	if s.Workdir != "" {
		abs, err := filepath.Abs(s.Workdir)
		if err != nil {
			return Settings{}, fmt.Errorf("resolve workdir: %w", err)
		}
		s.Workdir = abs
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ParseFill accepts a byte in decimal ("255") or 0x hex ("0xFF") notation.
func ParseFill(raw string) (byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0xFF, nil
	}
	n, err := strconv.ParseUint(raw, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid fill byte %q", KeyFill, raw)
	}
	return byte(n), nil
}

// resolveEnv layers --env entries over the env file.
func resolveEnv(envFile string, pairs []string) (map[string]string, error) {
	var merged map[string]string
	if envFile != "" {
		values, err := LoadEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		merged = values
	}
	for _, pair := range pairs {
		sep := strings.IndexRune(pair, '=')
		if sep <= 0 {
			return nil, fmt.Errorf("%s: expected KEY=VALUE, got %q", KeyEnv, pair)
		}
		if merged == nil {
			merged = make(map[string]string, len(pairs))
		}
		merged[strings.TrimSpace(pair[:sep])] = pair[sep+1:]
	}
	return merged, nil
}
