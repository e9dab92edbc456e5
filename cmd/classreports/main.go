package main

import (
	"classreports/cmd/classreports/commands"
	"classreports/pkg/osutil"
)

func main() {
	commands.ExecuteContext(osutil.SignalContext())
}
