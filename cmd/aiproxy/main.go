/*
 * MIT License
 *
 * Copyright (c) 2025 The AIProxy Authors.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Command aiproxy starts the reverse proxy: load configuration, assemble
// the Server, serve until a termination signal arrives, then drain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"aiproxy/internal/pconfig"
	"aiproxy/internal/plog"
	"aiproxy/internal/proxy"
)

var (
	flagConfig  string
	flagVerbose int
	flagJSONLog bool
)

func main() {
	root := &cobra.Command{
		Use:   "aiproxy",
		Short: "aiproxy routes HTTP requests across a fleet of AI inference backends",
		Long: "aiproxy is a layer-7 reverse proxy and load balancer purpose-built for\n" +
			"routing inference traffic: admission control, priority scheduling,\n" +
			"request batching, response caching, and backend health tracking.",
		RunE: runServe,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to a YAML config file (defaults built in when omitted)")
	root.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "increase log verbosity (-v, -vv, -vvv)")
	root.PersistentFlags().BoolVar(&flagJSONLog, "log-json", false, "emit logs as JSON instead of text")

	root.AddCommand(newConfigCheckCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	plog.Init(levelFromVerbosity(flagVerbose), flagJSONLog)
	log := plog.For(plog.ComponentProxy)

	cfg := pconfig.Default()
	if flagConfig != "" {
		loader := pconfig.NewLoader()
		if err := loader.Load(flagConfig); err != nil {
			return fmt.Errorf("aiproxy: load config %s: %w", flagConfig, err)
		}
		cfg = loader.Current()
	}

	srv, err := proxy.New(cfg)
	if err != nil {
		return fmt.Errorf("aiproxy: assemble server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("aiproxy: start server: %w", err)
	}
	log.Infof("aiproxy listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("aiproxy: shutdown: %w", err)
	}
	return nil
}

// newConfigCheckCommand adds a "config-check" subcommand that loads and
// validates a config file without starting the listener, useful in CI
// and deploy pipelines before a restart.
func newConfigCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config-check <file>",
		Short: "load a config file and report whether it parses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := pconfig.NewLoader()
			if err := loader.Load(args[0]); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Printf("%s: ok (%d backends, %d rewrite rules)\n", args[0], len(loader.Current().Backends), len(loader.Current().Rewrite))
			return nil
		},
	}
}

func levelFromVerbosity(v int) logrus.Level {
	switch {
	case v >= 3:
		return logrus.TraceLevel
	case v == 2:
		return logrus.DebugLevel
	case v == 1:
		return logrus.InfoLevel
	default:
		return logrus.WarnLevel
	}
}
