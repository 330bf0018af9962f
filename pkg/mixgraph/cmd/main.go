package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose     bool
	configPath  string
	showVersion bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "log every graph update, link request and helper process")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.StringVar(&configPath, "config", "", "path to config.yaml (default: ./config.yaml, then $XDG_CONFIG_HOME/mixgraph)")
	flag.BoolVar(&showVersion, "version", false, "print the daemon version and exit")
}

// versionString is empty for builds that carry no version information
func versionString(buildType, versionTag, gitCommit string) string {
	if buildType == "" || (versionTag == "" && gitCommit == "") {
		return ""
	}

	identifier := gitCommit
	if versionTag != "" {
		identifier = versionTag
	}
	return fmt.Sprintf("Version %s-%s", buildType, identifier)
}

func main() {
	flag.Parse()

	version := versionString(buildType, versionTag, gitCommit)
	if showVersion {
		if version == "" {
			version = "unknown version"
		}
		fmt.Println("mixgraphd", version)
		os.Exit(0)
	}

	logger, err := mixgraph.NewLogger(buildType, verbose)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, graph updates and helper output will be logged")
	}

	d, err := mixgraph.NewDaemon(logger, verbose, configPath)
	if err != nil {
		named.Fatalw("Failed to set up the mixgraph daemon", "config", configPath, "error", err)
	}

	if version != "" {
		d.SetVersion(version)
	}

	if err = d.Initialize(); err != nil {
		named.Fatalw("Mixgraph daemon could not start", "error", err)
	}
}
