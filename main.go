package main

import (
	"log"
	"os"

	"logscope/internal/common"
	"logscope/internal/ui"
)

func main() {
	ctx := common.WaitSignal()
	if err := ui.NewConsole(ctx, os.Stdout).RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
