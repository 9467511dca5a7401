package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Paintersrp/pipewait/internal/childproc"
	"github.com/Paintersrp/pipewait/internal/config"
	"github.com/Paintersrp/pipewait/internal/engine"
)

const childEnvPrefix = "PIPEWAIT_CHILD"

func newChildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "child <size>",
		Short: "Companion child: read exactly <size> bytes from stdin, then exit",
		Long: `Companion child for benchmarking transfers. It reads exactly <size> bytes
from stdin, optionally verifies every byte equals --fill, writes
--stderr-lines progress lines and exits with --exit-code.

When pipewait is started with PIPEWAIT_ROLE=child, or through a link named
pipewait-child, it runs this command directly so <size> can be the only
argument. Flags may also be set as PIPEWAIT_CHILD_* variables.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetEnvPrefix(childEnvPrefix)
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			opts, err := childOptions(v, args[0])
			if err != nil {
				return &exitError{code: engine.ExitInvalidSpec, err: err}
			}

			code, err := childproc.Run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return &exitError{code: code, err: err}
			}
			if code != 0 {
				return &exitError{code: code, silent: true}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("fill", "0xFF", "Expected payload byte for --verify")
	flags.Bool("verify", false, "Fail unless every byte equals --fill")
	flags.Int("exit-code", 0, "Exit code to return after reading")
	flags.Int("stderr-lines", 0, "Number of progress lines to write to stderr")
	flags.Duration("heartbeat", 0, "Write a stderr line at this interval while holding")
	flags.Duration("hold", 0, "Stay alive this long after reading")
	flags.Bool("forever", false, "Stay alive until signalled")
	return cmd
}

func childOptions(v *viper.Viper, sizeArg string) (childproc.Options, error) {
	size, err := childproc.ParseSize(sizeArg)
	if err != nil {
		return childproc.Options{}, err
	}
	fill, err := config.ParseFill(v.GetString("fill"))
	if err != nil {
		return childproc.Options{}, err
	}
	opts := childproc.Options{
		Size:        size,
		Fill:        fill,
		Verify:      v.GetBool("verify"),
		ExitCode:    v.GetInt("exit-code"),
		StderrLines: v.GetInt("stderr-lines"),
		Heartbeat:   v.GetDuration("heartbeat"),
		Hold:        v.GetDuration("hold"),
	}
	if v.GetBool("forever") {
		opts.Hold = -1
	}
	return opts, nil
}
