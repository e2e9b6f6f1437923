package main

import (
	"fmt"
	"os"

	storagehttp "github.com/ccache/ccache-storage-http-go"
)

const usage = `This is a ccache HTTP(S) storage helper, usually started automatically by ccache
when needed. More information here: https://ccache.dev/storage-helpers.html

Project: https://github.com/ccache/ccache-storage-http-go
Version: 0.1
`

func main() {
	os.Exit(run())
}

func run() int {
	if os.Getenv(storagehttp.EnvIPCEndpoint) == "" || os.Getenv(storagehttp.EnvURL) == "" {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	log := storagehttp.NewLogger(os.Getenv(storagehttp.EnvLogFile))

	config, err := storagehttp.ParseConfig()
	if err != nil {
		log.Error().Err(err).Msg("Failed to parse configuration")
		return 1
	}

	log.Info().Msg("Starting")
	log.Info().Str("endpoint", config.IPCEndpoint).Msg("IPC endpoint")
	log.Info().Str("url", config.OriginURL).Msg("URL")
	log.Info().Dur("timeout", config.IdleTimeout).Msg("Idle timeout")

	server := storagehttp.NewServer(config, log)
	if err := server.Run(); err != nil {
		log.Error().Err(err).Msg("Failed to start IPC server")
		return 1
	}

	log.Info().Msg("Shutdown complete")
	return 0
}
