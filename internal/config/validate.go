package config

import (
	"errors"
	"fmt"
)

// Validate checks the settings before any child is launched.
func (s Settings) Validate() error {
	var errs []error
	if len(s.Command) == 0 || s.Command[0] == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if s.Size < 0 {
		errs = append(errs, fmt.Errorf("%s: must be >= 0, got %d", KeySize, s.Size))
	}
	if s.Size > 0 && !s.Stdin {
		errs = append(errs, fmt.Errorf("%s: requires --%s", KeySize, KeyStdin))
	}
	if s.Stdin && len(s.Command) > 1 {
		errs = append(errs, fmt.Errorf("%s: the payload size is the child's only argument; remove %q", KeyStdin, s.Command[1:]))
	}
	for key, d := range map[string]int64{
		KeyTimeout:      int64(s.Timeout),
		KeyStopTimeout:  int64(s.StopTimeout),
		KeyDrainTimeout: int64(s.DrainTimeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", key))
		}
	}
	if s.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("%s: must not be negative", KeyEventBuffer))
	}
	switch s.LogFormat {
	case LogFormatAuto, LogFormatText, LogFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("%s: unsupported format %q", KeyLogFormat, s.LogFormat))
	}
	switch s.Output {
	case OutputText, OutputTable, OutputJSON, OutputYAML:
	default:
		errs = append(errs, fmt.Errorf("%s: unsupported format %q", KeyOutput, s.Output))
	}
	return errors.Join(errs...)
}
