// Command bootplan runs the boot sequence of a kernel image on the host. It
// reports how the image is validated and laid out, which page tables the
// loader builds for it and how the address space switch proceeds on a
// simulated processor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[bootplan] error: "+format+"\n", args...)
	os.Exit(int(subcommands.ExitFailure))
}

func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(Inspect), "")
	cb(new(Plan), "")
	cb(new(Map), "")
	cb(new(Simulate), "")

	const buildGroup = "build"
	cb(new(Redirects), buildGroup)
}

func main() {
	var (
		configPath = flag.String("config", "", "path to a TOML config file.")
		logLevel   = flag.String("log-level", "", "log level; overrides the config file.")
		format     = flag.String("format", "", "report format, text or yaml; overrides the config file.")
	)

	forEachCmd(subcommands.Register)
	flag.Parse()

	conf, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	if *format != "" {
		conf.Format = *format
	}
	if err := conf.validate(); err != nil {
		fatalf("%v", err)
	}

	log, sink, err := newLogger(conf.LogLevel)
	if err != nil {
		fatalf("%v", err)
	}

	status := subcommands.Execute(context.Background(), conf, log)
	sink.Flush()
	os.Exit(int(status))
}
