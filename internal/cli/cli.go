package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vk/stagegrid/internal/app"
	"github.com/vk/stagegrid/internal/artifact"
	"github.com/vk/stagegrid/internal/runstore"
)

// Commands understood by Parse.
const (
	CommandValidate = "validate"
	CommandRun      = "run"
	CommandServe    = "serve"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) *ExitError {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// Invocation is a parsed command line.
type Invocation struct {
	Command string
	Config  *app.Config
	Run     app.RunRequest
}

// stringList is a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// env reads STAGEGRID_* fallbacks for flags.
type env func(string) string

func (e env) str(name, def string) string {
	if v := e(name); v != "" {
		return v
	}
	return def
}

func (e env) duration(name string, def time.Duration) (time.Duration, error) {
	v := e(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, usageError("invalid %s: %v", name, err)
	}
	return d, nil
}

func (e env) integer(name string, def int) (int, error) {
	v := e(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, usageError("invalid %s: %v", name, err)
	}
	return n, nil
}

func (e env) boolean(name string, def bool) (bool, error) {
	v := e(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, usageError("invalid %s: %v", name, err)
	}
	return b, nil
}

const usage = `
Stagegrid - a build orchestration engine.

Usage:
  stagegrid <command> [options] [PIPELINE_PATH...]

Commands:
  validate   Load the pipeline and print the execution order.
  run        Run stages once, with everything they depend on, on local agents.
  serve      Run the engine as a daemon with the HTTP API.

Arguments:
  PIPELINE_PATH
    .hcl, .yaml or .yml files, or directories containing them.
    Defaults to $STAGEGRID_PIPELINE.

Options:
`

// Parse processes command-line arguments. It returns the parsed invocation,
// a boolean indicating if the program should exit cleanly, or an ExitError.
// getenv supplies the STAGEGRID_* fallbacks; nil means os.Getenv.
func Parse(args []string, output io.Writer, getenv func(string) string) (*Invocation, bool, error) {
	slog.Debug("CLI parser started.")
	if getenv == nil {
		getenv = os.Getenv
	}
	e := env(getenv)

	flagSet := flag.NewFlagSet("stagegrid", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, usage)
		flagSet.PrintDefaults()
	}

	if len(args) == 0 {
		flagSet.Usage()
		return nil, true, nil
	}
	command := args[0]
	switch command {
	case CommandValidate, CommandRun, CommandServe:
		args = args[1:]
	case "-h", "-help", "--help", "help":
		flagSet.Usage()
		return nil, true, nil
	default:
		return nil, false, usageError("unknown command %q: want validate, run or serve", command)
	}

	tick, err := e.duration("STAGEGRID_TICK", app.DefaultTick)
	if err != nil {
		return nil, false, err
	}
	heartbeat, err := e.duration("STAGEGRID_HEARTBEAT_TIMEOUT", app.DefaultHeartbeatTimeout)
	if err != nil {
		return nil, false, err
	}
	keepFor, err := e.duration("STAGEGRID_KEEP_FOR", 0)
	if err != nil {
		return nil, false, err
	}
	pruneEvery, err := e.duration("STAGEGRID_PRUNE_EVERY", 10*time.Minute)
	if err != nil {
		return nil, false, err
	}
	keepRuns, err := e.integer("STAGEGRID_KEEP_RUNS", 0)
	if err != nil {
		return nil, false, err
	}
	s3SSL, err := e.boolean("STAGEGRID_S3_SSL", true)
	if err != nil {
		return nil, false, err
	}
	otlpInsecure, err := e.boolean("STAGEGRID_OTLP_INSECURE", false)
	if err != nil {
		return nil, false, err
	}
	keepWorkspaces, err := e.boolean("STAGEGRID_KEEP_WORKSPACES", false)
	if err != nil {
		return nil, false, err
	}

	logFormatFlag := flagSet.String("log-format", e.str("STAGEGRID_LOG_FORMAT", "text"), "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", e.str("STAGEGRID_LOG_LEVEL", "info"), "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workDirFlag := flagSet.String("work-dir", e.str("STAGEGRID_WORK_DIR", app.DefaultWorkRoot), "Directory holding run workspaces.")
	keepWorkspacesFlag := flagSet.Bool("keep-workspaces", keepWorkspaces, "Leave run workspaces on disk after runs finish.")
	storeFlag := flagSet.String("store", e.str("STAGEGRID_STORE", "memory"), "Run history: 'memory', 'sqlite:<path>' or a postgres:// URL.")
	artifactsFlag := flagSet.String("artifacts", e.str("STAGEGRID_ARTIFACTS", app.DefaultArtifacts), "Artifact storage: a directory, 'memory' or 's3://<bucket>[/<prefix>]'.")
	s3EndpointFlag := flagSet.String("s3-endpoint", e.str("STAGEGRID_S3_ENDPOINT", ""), "S3 endpoint (host:port) for s3:// artifact storage.")
	s3RegionFlag := flagSet.String("s3-region", e.str("STAGEGRID_S3_REGION", ""), "S3 region.")
	s3SSLFlag := flagSet.Bool("s3-ssl", s3SSL, "Use TLS for the S3 endpoint.")
	secretPrefixFlag := flagSet.String("secret-prefix", e.str("STAGEGRID_SECRET_PREFIX", app.DefaultSecretPrefix), "Environment prefix secret references are resolved from.")

	var stages, params stringList
	flagSet.Var(&stages, "stage", "Stage to run (repeatable). Defaults to every terminal stage. [run]")
	flagSet.Var(&params, "param", "Run parameter as key=value (repeatable). [run]")
	branchFlag := flagSet.String("branch", "", "Branch recorded on the runs. [run]")
	revisionFlag := flagSet.String("revision", "", "Revision recorded on the runs. [run]")

	addrFlag := flagSet.String("addr", e.str("STAGEGRID_ADDR", ":8080"), "HTTP API listen address. Empty disables the API. [serve]")
	tickFlag := flagSet.Duration("tick", tick, "Dispatch interval. [serve]")
	heartbeatFlag := flagSet.Duration("heartbeat-timeout", heartbeat, "Agents silent for longer are marked offline.")
	keepRunsFlag := flagSet.Int("keep-runs", keepRuns, "Finished runs kept per stage. 0 keeps all. [serve]")
	keepForFlag := flagSet.Duration("keep-for", keepFor, "Maximum age of finished runs. 0 keeps all. [serve]")
	pruneEveryFlag := flagSet.Duration("prune-every", pruneEvery, "How often run history is pruned. [serve]")
	notifyFlag := flagSet.String("notify-url", e.str("STAGEGRID_NOTIFY_URL", ""), "socket.io server run events are pushed to. [serve]")
	otlpFlag := flagSet.String("otlp-endpoint", e.str("STAGEGRID_OTLP_ENDPOINT", ""), "OTLP/HTTP endpoint for metrics and traces. [serve]")
	otlpInsecureFlag := flagSet.Bool("otlp-insecure", otlpInsecure, "Use plain HTTP for the OTLP endpoint. [serve]")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.", "command", command)

	paths := flagSet.Args()
	if len(paths) == 0 {
		if p := getenv("STAGEGRID_PIPELINE"); p != "" {
			paths = strings.Split(p, string(os.PathListSeparator))
		}
	}
	if len(paths) == 0 {
		slog.Debug("No pipeline path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, usageError("invalid log-format: must be 'text' or 'json'")
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, usageError("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}

	runParams := make(map[string]string, len(params))
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, false, usageError("invalid param %q: want key=value", p)
		}
		runParams[k] = v
	}
	if len(runParams) == 0 {
		runParams = nil
	}
	slog.Debug("CLI parameter validation complete.")

	cfg, err := app.NewConfig(app.Config{
		Paths:          paths,
		LogFormat:      logFormat,
		LogLevel:       logLevel,
		WorkRoot:       *workDirFlag,
		KeepWorkspaces: *keepWorkspacesFlag,
		Store:          *storeFlag,
		Artifacts:      *artifactsFlag,
		SecretPrefix:   *secretPrefixFlag,
		S3: artifact.MinIOConfig{
			Endpoint:  *s3EndpointFlag,
			Region:    *s3RegionFlag,
			UseSSL:    *s3SSLFlag,
			AccessKey: getenv("STAGEGRID_S3_ACCESS_KEY"),
			SecretKey: getenv("STAGEGRID_S3_SECRET_KEY"),
		},
		Addr:             *addrFlag,
		Tick:             *tickFlag,
		HeartbeatTimeout: *heartbeatFlag,
		Retention:        runstore.Retention{MaxRunsPerStage: *keepRunsFlag, MaxAge: *keepForFlag},
		PruneEvery:       *pruneEveryFlag,
		NotifyURL:        *notifyFlag,
		OTLPEndpoint:     *otlpFlag,
		OTLPInsecure:     *otlpInsecureFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	inv := &Invocation{
		Command: command,
		Config:  cfg,
		Run: app.RunRequest{
			Stages:   stages,
			Branch:   *branchFlag,
			Revision: *revisionFlag,
			Params:   runParams,
		},
	}
	slog.Debug("CLI parser finished successfully.", "command", command)
	return inv, false, nil
}
