// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// micrort loads a model (in the YAML rendition of the decoded model format), reports its graphs and memory
// plans, and optionally executes it.
//
// Usage:
//
//	micrort [flags] <model.yaml>
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/micrort/config"
	"github.com/gomlx/micrort/model"
	"github.com/gomlx/micrort/runtime"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML file with the runtime configuration. If empty the defaults are used.")

	flagSummary = flag.Bool("summary", true, "Display a summary of the graphs of the model and of their memory plans.")
	flagPlan    = flag.Bool("plan", false, "List the arena assignment of every statically planned operand.")
	flagDump    = flag.Bool("dump", false, "Print the graphs of the model.")

	flagRun    = flag.Bool("run", false, "Execute the model with every input element set to --fill, and print the outputs.")
	flagRepeat = flag.Int("repeat", 1, "Number of executions with --run. A progress bar is displayed if > 1.")
	flagFill   = flag.Float64("fill", 0, "Value of every input element with --run.")
	flagResize = flag.String("resize", "", "Shapes of the inputs declared dynamic, with --run. E.g.: \"0=4x3,2=8\".")

	flagMaxValues = flag.Int("max_values", 16, "Maximum number of values displayed per output.")
	flagNoColor   = flag.Bool("no_color", false, "Disable colors in the output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one model file. See 'micrort -help'.")
		os.Exit(1)
	}
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if err := report(args[0]); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func report(modelPath string) error {
	decoded, err := model.Load(modelPath)
	if err != nil {
		return err
	}
	cfg := config.Default()
	if *flagConfig != "" {
		if cfg, err = config.Load(*flagConfig); err != nil {
			return err
		}
	}
	m, err := runtime.Load(decoded, nil, runtime.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer m.Close()

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable(false)
		table.Row("model", m.Name())
		table.Row("file", modelPath)
		table.Row("# graphs", humanize.Comma(int64(m.IR().NumGraphs())))
		table.Row("arena", fmt.Sprintf("%s (budget %s)", humanize.IBytes(uint64(m.Arena().Size())), cfg.ArenaBudget))
		table.Row("dynamic budget", cfg.DynamicBudget.String())
		table.Row("max while iterations", fmt.Sprint(cfg.MaxWhileIterations))
		table.Row("kernel parallelism", fmt.Sprint(cfg.KernelParallelism))
		fmt.Println(table.Render())
		fmt.Println(graphsTable(m).Render())
	}
	if *flagPlan {
		fmt.Println(titleStyle.Render("Memory plan"))
		fmt.Println(planTable(m).Render())
	}
	if *flagDump {
		fmt.Println(titleStyle.Render("Graphs"))
		for _, g := range m.IR().Graphs {
			fmt.Println(g)
		}
	}
	if *flagRun {
		return run(m)
	}
	return nil
}
