package main

import (
	"os"

	"github.com/rspbridge/rspbridge/internal/cli"
	"github.com/rspbridge/rspbridge/internal/config"
)

const toolName = "rsp-bridge"

func main() {
	cfg, err := config.Load()
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	if err := newApp(&cfg).Run(os.Args); err != nil {
		cli.ExitWithError("%v", err)
	}
}
