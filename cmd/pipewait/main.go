package main

import (
	"github.com/Paintersrp/pipewait/internal/cli"
	"github.com/Paintersrp/pipewait/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
