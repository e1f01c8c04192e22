// Command hydrocompute executes a run file and prints its results.
//
//	hydrocompute -config hydrocompute.yaml -run job.yaml [-engine native] [-json]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/hydrocompute"
	"github.com/ZanzyTHEbar/hydrocompute/internal/observability"
	"github.com/ZanzyTHEbar/hydrocompute/internal/runfile"
	"github.com/ZanzyTHEbar/hydrocompute/pkg/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "hydrocompute:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("hydrocompute", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the configuration file")
	runPath := fs.String("run", "", "path to a YAML or HCL run file")
	engine := fs.String("engine", "", "engine for function names without a prefix (overrides config)")
	asJSON := fs.Bool("json", false, "print the run result as JSON")
	timeout := fs.Duration("timeout", 0, "abort the run after this long (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runPath == "" {
		fs.Usage()
		return errors.New("-run is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *engine != "" {
		cfg.Engine = *engine
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	req, err := runfile.LoadRequest(*runPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	eng, err := hydrocompute.New(hydrocompute.WithConfig(cfg), hydrocompute.WithLogger(logger))
	if err != nil {
		return err
	}
	defer eng.Close()

	start := time.Now()
	res, runErr := eng.Run(ctx, *req)
	logger.Info("run finished", zap.String("file", *runPath), zap.Duration("elapsed", time.Since(start)), zap.Error(runErr))
	if res != nil {
		var perr error
		if *asJSON {
			perr = printJSON(out, res)
		} else {
			perr = printText(out, res)
		}
		if perr != nil {
			return perr
		}
	}
	return runErr
}

func printJSON(w io.Writer, res *hydrocompute.RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func printText(w io.Writer, res *hydrocompute.RunResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s\tengine %s\tsuccess %v\n", res.ID, res.Engine, res.Success)
	for _, s := range res.Steps {
		fmt.Fprintf(tw, "step %d\t%s\tfunc %v\tunit %v\n", s.Step, s.Strategy, s.FuncTime, s.UnitTime)
		for j, fn := range s.Functions {
			status := s.Tasks[j].Status
			if s.Tasks[j].Error != "" {
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", fn, status, s.Tasks[j].Error)
				continue
			}
			fmt.Fprintf(tw, "  %s\t%s\t%v\n", fn, status, s.Results[j])
		}
	}
	if res.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", res.Error)
	}
	return tw.Flush()
}
