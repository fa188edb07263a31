package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/executors"
	"github.com/deepnoodle-ai/stepflow/script"
)

// CLI configuration
type Config struct {
	WorkflowFile   string
	Inputs         map[string]any
	InputJSON      string
	LogsDir        string
	CheckpointsDir string
	RunID          string
	Resume         string
	ListRuns       bool
	Engine         string
	Timeout        time.Duration
	Verbose        bool
	JSON           bool
}

func main() {
	config := parseFlags()

	if config.ListRuns {
		listRuns(config)
		return
	}

	if config.WorkflowFile == "" {
		color.Red("Error: workflow file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.WorkflowFile); os.IsNotExist(err) {
		color.Red("Error: workflow file '%s' not found", config.WorkflowFile)
		os.Exit(1)
	}

	logger := setupLogger(config.Verbose)

	color.Blue("Loading workflow from: %s", config.WorkflowFile)
	registry := executors.Register(stepflow.NewRegistry())
	switch config.Engine {
	case "risor":
	case "expr":
		registry.SetCompiler(script.NewExprEngine(nil))
	default:
		log.Fatalf("Unknown engine %q", config.Engine)
	}
	wf, err := stepflow.LoadFile(config.WorkflowFile, registry)
	if err != nil {
		log.Fatalf("Failed to load workflow: %v", err)
	}
	color.Cyan("Workflow: %s", wf.Name())
	if wf.Description() != "" {
		color.White("Description: %s", wf.Description())
	}

	var invocationLogger stepflow.InvocationLogger = stepflow.NewNullInvocationLogger()
	if config.LogsDir != "" {
		invocationLogger = stepflow.NewFileInvocationLogger(config.LogsDir)
		color.Blue("Invocation logs: %s", config.LogsDir)
	}

	var checkpointer stepflow.Checkpointer = stepflow.NewMemoryCheckpointer()
	if config.CheckpointsDir != "" {
		checkpointer, err = stepflow.NewFileCheckpointer(config.CheckpointsDir)
		if err != nil {
			log.Fatalf("Failed to create checkpointer: %v", err)
		}
		color.Blue("Checkpoints: %s", config.CheckpointsDir)
	} else if config.Resume != "" {
		log.Fatalf("-resume requires -checkpoints")
	}

	var callbacks stepflow.ExecutionCallbacks = stepflow.NewBaseExecutionCallbacks()
	if !config.JSON {
		callbacks = stepflow.NewConsoleCallbacks(os.Stdout)
	}

	orch, err := stepflow.NewOrchestrator(stepflow.Options{
		Workflow:         wf,
		Checkpointer:     checkpointer,
		Logger:           logger,
		Callbacks:        callbacks,
		InvocationLogger: invocationLogger,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	var stream *stepflow.Stream
	if config.Resume != "" {
		color.Green("Resuming run %s...\n", config.Resume)
		stream, err = orch.Resume(ctx, config.Resume)
	} else {
		input, inputErr := runInput(config)
		if inputErr != nil {
			log.Fatalf("Invalid input: %v", inputErr)
		}
		stream, err = orch.Start(ctx, config.RunID, input)
	}
	if err != nil {
		log.Fatalf("Failed to start run: %v", err)
	}
	if config.Resume == "" {
		color.Green("Started run %s\n", stream.RunID())
	}

	startTime := time.Now()
	consume(ctx, orch, stream, config)
	resp, err := stream.Wait(context.Background())
	if err != nil {
		log.Fatalf("Failed waiting for run: %v", err)
	}
	showResults(resp, time.Since(startTime), config)
}

func parseFlags() *Config {
	config := &Config{Inputs: make(map[string]any)}

	flag.StringVar(&config.WorkflowFile, "file", "", "Path to the YAML workflow definition file (required)")
	flag.StringVar(&config.WorkflowFile, "f", "", "Path to the YAML workflow definition file (shorthand)")

	var inputFlags stringSlice
	flag.Var(&inputFlags, "input", "Input field in format key=value (can be used multiple times)")
	flag.Var(&inputFlags, "i", "Input field in format key=value (shorthand, can be used multiple times)")
	flag.StringVar(&config.InputJSON, "input-json", "", "Run input as a JSON document (overrides -input)")

	flag.StringVar(&config.LogsDir, "logs", "", "Directory to store invocation logs (optional)")
	flag.StringVar(&config.LogsDir, "l", "", "Directory to store invocation logs (shorthand)")

	flag.StringVar(&config.CheckpointsDir, "checkpoints", "", "Directory to store checkpoints (optional)")
	flag.StringVar(&config.CheckpointsDir, "c", "", "Directory to store checkpoints (shorthand)")

	flag.StringVar(&config.RunID, "run-id", "", "Run id for a new run (generated when empty)")
	flag.StringVar(&config.Resume, "resume", "", "Resume the run with this id from its latest checkpoint")
	flag.BoolVar(&config.ListRuns, "list", false, "List the runs stored in -checkpoints and exit")
	flag.StringVar(&config.Engine, "engine", "risor", "Language of conditions and templates: risor or expr")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Run timeout (e.g., 30s, 5m, 1h)")
	flag.DurationVar(&config.Timeout, "t", 0, "Run timeout (shorthand)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")

	flag.BoolVar(&config.JSON, "json", false, "Print updates and the result as JSON lines")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `stepflow - Run YAML-defined workflows with durable checkpoints

Usage: %s [options] -file <workflow.yaml>

Examples:
  # Run a workflow
  %s -file pipeline.yaml -input-json '{"values":[1,2,3]}'

  # Persist checkpoints so the run can be resumed
  %s -file approval.yaml -checkpoints ./runs -run-id release-42

  # Resume after a crash or interrupt
  %s -file approval.yaml -checkpoints ./runs -resume release-42

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Executor types:
  script      - Run Risor code with input and state globals
  prompt      - Ask for external input and suspend until answered
  emit        - Stream a templated message
  wait        - Sleep for a duration, then pass the input through
  fail        - Fail with a message
  http        - Send an HTTP request and output the response
  select      - Extract a value from the input by JSONPath
  subworkflow - Run another registered workflow

Pending requests are answered interactively on stdin.

`)
	}

	flag.Parse()

	for _, input := range inputFlags {
		parts := strings.SplitN(input, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid input format '%s'. Use key=value\n", input)
			os.Exit(1)
		}
		key, value := parts[0], parts[1]

		// Try to parse as JSON, fallback to string
		var parsedValue any
		if err := json.Unmarshal([]byte(value), &parsedValue); err != nil {
			parsedValue = value
		}
		config.Inputs[key] = parsedValue
	}
	return config
}

// Custom flag type for handling multiple input values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelDebug
	}
	return stepflow.NewLoggerWithOptions(stepflow.LoggerOptions{Writer: os.Stderr, Level: level})
}

func runInput(config *Config) (any, error) {
	if config.InputJSON != "" {
		var input any
		if err := json.Unmarshal([]byte(config.InputJSON), &input); err != nil {
			return nil, fmt.Errorf("parse -input-json: %w", err)
		}
		return input, nil
	}
	if len(config.Inputs) == 0 {
		return nil, nil
	}
	return config.Inputs, nil
}

// consume prints updates as they arrive and answers requests from stdin.
func consume(ctx context.Context, orch *stepflow.Orchestrator, stream *stepflow.Stream, config *Config) {
	answers := bufio.NewReader(os.Stdin)
	for update := range stream.All(context.Background()) {
		if config.JSON {
			data, err := json.Marshal(update)
			if err == nil {
				fmt.Println(string(data))
			}
		}
		switch update.Kind {
		case stepflow.UpdateKindContent:
			if !config.JSON {
				for _, c := range update.Contents {
					color.White("  [%s] %s", update.ExecutorID, stepflow.ContentString(c))
				}
			}
		case stepflow.UpdateKindRequest:
			answer, err := askForAnswer(answers, update.Request, config.JSON)
			if err != nil {
				if ctx.Err() == nil {
					color.Red("Error reading answer: %v", err)
				}
				_ = orch.Cancel(stream.RunID())
				continue
			}
			if err := orch.AnswerRequest(stream.RunID(), update.Request.ID, answer); err != nil {
				color.Red("Error answering %s: %v", update.Request.ID, err)
			}
		}
	}
}

func askForAnswer(r *bufio.Reader, req *stepflow.RequestRecord, quiet bool) (any, error) {
	if !quiet {
		color.Yellow("? %s asks: %s", req.ExecutorID, req.Payload)
		fmt.Print("> ")
	}
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	line = strings.TrimSpace(line)
	var answer any
	if json.Unmarshal([]byte(line), &answer) != nil {
		answer = line
	}
	return answer, nil
}

func showResults(resp *stepflow.AgentResponse, duration time.Duration, config *Config) {
	if config.JSON {
		data, err := json.Marshal(resp)
		if err != nil {
			log.Fatalf("Failed to encode result: %v", err)
		}
		fmt.Println(string(data))
	} else {
		color.White("Run finished in %v", duration)
		color.White("Status: %s (superstep %d)", resp.Status, resp.Superstep)
		for id, reason := range resp.Failures {
			color.Red("  %s failed: %s", id, reason)
		}
		if len(resp.Outputs) > 0 {
			fmt.Printf("\n")
			color.Magenta("Outputs:")
			for _, out := range resp.Outputs {
				fmt.Printf("  %s\n", out)
			}
		}
	}

	switch resp.Status {
	case stepflow.RunStatusCompleted:
		if !config.JSON {
			color.Green("Run successful!")
		}
	case stepflow.RunStatusCancelled:
		if !config.JSON {
			color.Yellow("Run cancelled; resume with -resume %s", resp.RunID)
		}
		os.Exit(130)
	default:
		if !config.JSON {
			color.Red("Error: %s", resp.Error)
		}
		os.Exit(1)
	}
}

func listRuns(config *Config) {
	if config.CheckpointsDir == "" {
		log.Fatalf("-list requires -checkpoints")
	}
	checkpointer, err := stepflow.NewFileCheckpointer(config.CheckpointsDir)
	if err != nil {
		log.Fatalf("Failed to open checkpoints: %v", err)
	}
	runs, err := checkpointer.ListRuns(context.Background())
	if err != nil {
		log.Fatalf("Failed to list runs: %v", err)
	}
	if config.JSON {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode runs: %v", err)
		}
		fmt.Println(string(data))
		return
	}
	if len(runs) == 0 {
		color.Blue("No runs found")
		return
	}
	for _, run := range runs {
		fmt.Printf("%-36s %-20s %-10s superstep %-4d %d checkpoints  %s\n",
			run.RunID, run.Workflow, run.Status, run.Superstep, run.Checkpoints,
			run.UpdatedAt.Format(time.RFC3339))
	}
}
