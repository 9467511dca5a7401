package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/pipewait/internal/cliutil"
	"github.com/Paintersrp/pipewait/internal/config"
	"github.com/Paintersrp/pipewait/internal/engine"
	"github.com/Paintersrp/pipewait/internal/logmux"
	"github.com/Paintersrp/pipewait/internal/metrics"
	"github.com/Paintersrp/pipewait/internal/tracing"
)

const tracingShutdownTimeout = 5 * time.Second

var errRunTimeout = errors.New("run timeout elapsed")

func newRunCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] [-- <command> [args...]]",
		Short: "Launch a child, optionally send it a payload on stdin, and await its exit",
		Long: `Launch a child process directly (no shell), drain its stderr, optionally
transfer a payload of --size bytes to its stdin and wait for it to exit.

With --stdin the payload size is passed as the child's only argument.
Every flag can also be set through a PIPEWAIT_* environment variable,
for example PIPEWAIT_TIMEOUT=30s, or in a YAML run file passed with
--config. The run file may also name the command.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.run(cmd, args)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func (c *context) run(cmd *cobra.Command, args []string) error {
	v := config.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	settings, err := config.Load(v, args)
	if err != nil {
		return &exitError{code: engine.ExitInvalidSpec, err: err}
	}

	stderr := cmd.ErrOrStderr()
	logger, err := cliutil.NewLogger(stderr, settings.LogFormat, settings.LogLevel)
	if err != nil {
		return &exitError{code: engine.ExitInvalidSpec, err: err}
	}

	runCtx := cmd.Context()
	if runCtx == nil {
		runCtx = stdcontext.Background()
	}
	if settings.Timeout > 0 {
		var cancel stdcontext.CancelFunc
		runCtx, cancel = stdcontext.WithTimeoutCause(runCtx, settings.Timeout, errRunTimeout)
		defer cancel()
	}

	provider, err := tracing.InitTracer(runCtx, tracing.Config{
		Enabled:        settings.OTLPEndpoint != "",
		Endpoint:       settings.OTLPEndpoint,
		ServiceName:    "pipewait",
		ServiceVersion: Version,
	}, logger)
	if err != nil {
		return &exitError{code: engine.ExitGeneric, err: err}
	}
	defer shutdownTracing(provider, logger)

	var jsonLogs io.Writer
	if cliutil.ResolveFormat(stderr, settings.LogFormat) == cliutil.FormatJSON {
		jsonLogs = stderr
	}
	renderer := cliutil.NewEventRenderer(logger, jsonLogs, cliutil.NewRedactor(settings.Env))

	events := make(chan engine.Event, settings.EventBuffer)
	mux := logmux.New(settings.EventBuffer)
	mux.Add(events)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for evt := range mux.Output() {
			renderer.Render(evt)
		}
	}()

	sup := engine.NewSupervisor(c.launcher(), events, engine.WithTracer(provider.Tracer()))
	res, runErr := sup.Run(runCtx, specFromSettings(settings, cmd.OutOrStdout()))

	close(events)
	mux.Close()
	<-rendered
	res = withMuxDrops(res, mux.Dropped())

	if errors.Is(runErr, engine.ErrCancelled) && errors.Is(stdcontext.Cause(runCtx), errRunTimeout) {
		logger.WithField("timeout", settings.Timeout).Warn("run timed out")
	}

	if err := cliutil.WriteReport(cmd.OutOrStdout(), settings.Output, cliutil.NewReport(res, runErr)); err != nil {
		logger.WithError(err).Error("write report")
	}
	if err := metrics.WriteTextfile(settings.MetricsFile); err != nil {
		logger.WithError(err).Warn("metrics textfile not written")
	}

	if code := engine.ExitCodeFor(res, runErr); code != 0 {
		// The outcome was already reported through events and the report.
		return &exitError{code: code, err: runErr, silent: true}
	}
	return nil
}

// withMuxDrops adds lines discarded between the supervisor and the renderer to
// the run's drop count.
func withMuxDrops(res engine.Result, dropped int) engine.Result {
	if dropped <= 0 {
		return res
	}
	res.DroppedLines += dropped
	metrics.AddStderrLines(res.Name, 0, dropped)
	return res
}

func specFromSettings(s config.Settings, stdout io.Writer) engine.Spec {
	spec := engine.Spec{
		Name:         s.Name,
		Command:      s.Command,
		Workdir:      s.Workdir,
		Env:          s.Env,
		KillOnCancel: s.KillOnCancel,
		StopTimeout:  s.StopTimeout,
		DrainTimeout: s.DrainTimeout,
	}
	if s.Stdin {
		spec.Transfer = &engine.TransferSpec{Size: s.Size, Fill: s.Fill}
	}
	if s.ChildStdout {
		spec.Stdout = stdout
	}
	return spec
}

func shutdownTracing(provider *tracing.Provider, logger *logrus.Logger) {
	ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), tracingShutdownTimeout)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("flush traces")
	}
}
