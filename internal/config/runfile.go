package config

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RunFile is the YAML form of a run. Every field is optional; flags and
// PIPEWAIT_* variables take precedence over values set here.
type RunFile struct {
	Command      []string          `yaml:"command"`
	Name         *string           `yaml:"name"`
	Workdir      *string           `yaml:"workdir"`
	Env          map[string]string `yaml:"env"`
	EnvFile      *string           `yaml:"env-file"`
	Stdin        *bool             `yaml:"stdin"`
	Size         *string           `yaml:"size"`
	Fill         *string           `yaml:"fill"`
	KillOnCancel *bool             `yaml:"kill-on-cancel"`
	Timeout      *string           `yaml:"timeout"`
	StopTimeout  *string           `yaml:"stop-timeout"`
	DrainTimeout *string           `yaml:"drain-timeout"`
	EventBuffer  *int              `yaml:"event-buffer"`
	ChildStdout  *bool             `yaml:"child-stdout"`
	LogFormat    *string           `yaml:"log-format"`
	LogLevel     *string           `yaml:"log-level"`
	Output       *string           `yaml:"output"`
	MetricsFile  *string           `yaml:"metrics-file"`
	OTLPEndpoint *string           `yaml:"otlp-endpoint"`
}

// ParseRunFile reads a run file from YAML. Unknown keys are rejected.
func ParseRunFile(r io.Reader) (*RunFile, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var doc RunFile
	if err := decoder.Decode(&doc); err != nil {
		if err == io.EOF {
			return &doc, nil
		}
		return nil, fmt.Errorf("decode run file: %w", err)
	}
	return &doc, nil
}

func (f *RunFile) values() map[string]any {
	out := make(map[string]any)
	setString := func(key string, value *string) {
		if value != nil {
			out[key] = *value
		}
	}
	setBool := func(key string, value *bool) {
		if value != nil {
			out[key] = *value
		}
	}
	setString(KeyName, f.Name)
	setString(KeyWorkdir, f.Workdir)
	setString(KeyEnvFile, f.EnvFile)
	setString(KeySize, f.Size)
	setString(KeyFill, f.Fill)
	setString(KeyTimeout, f.Timeout)
	setString(KeyStopTimeout, f.StopTimeout)
	setString(KeyDrainTimeout, f.DrainTimeout)
	setString(KeyLogFormat, f.LogFormat)
	setString(KeyLogLevel, f.LogLevel)
	setString(KeyOutput, f.Output)
	setString(KeyMetricsFile, f.MetricsFile)
	setString(KeyOTLPEndpoint, f.OTLPEndpoint)
	setBool(KeyStdin, f.Stdin)
	setBool(KeyKillOnCancel, f.KillOnCancel)
	setBool(KeyChildStdout, f.ChildStdout)
	if f.EventBuffer != nil {
		out[KeyEventBuffer] = *f.EventBuffer
	}
	if len(f.Env) > 0 {
		keys := make([]string, 0, len(f.Env))
		for key := range f.Env {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, key+"="+f.Env[key])
		}
		out[KeyEnv] = pairs
	}
	return out
}

// mergeRunFile layers the run file at path beneath flags and environment and
// returns the command it names.
func mergeRunFile(v *viper.Viper, path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run file: %w", err)
	}
	defer file.Close()

	doc, err := ParseRunFile(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := v.MergeConfigMap(doc.values()); err != nil {
		return nil, fmt.Errorf("merge run file: %w", err)
	}
	return doc.Command, nil
}
