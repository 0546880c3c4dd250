package main

import (
	"github.com/magpie-ai/magpie/internal/server"
	"github.com/magpie-ai/magpie/internal/util"
	"github.com/magpie-ai/magpie/pkg/logger"
	"github.com/magpie-ai/magpie/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
