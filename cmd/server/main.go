package main

import (
	"github.com/relaymux/relaymux/internal/buildinfo"
	"github.com/relaymux/relaymux/internal/cli"
	"github.com/relaymux/relaymux/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	cli.Execute()
}
