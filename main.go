package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danthegoodman1/tracelake/crdb"
	"github.com/danthegoodman1/tracelake/gologger"
	"github.com/danthegoodman1/tracelake/http_server"
	"github.com/danthegoodman1/tracelake/migrations"
	"github.com/danthegoodman1/tracelake/utils"
)

var logger = gologger.NewLogger()

func main() {
	logger.Debug().Msg("starting tracelake materialization engine")

	if utils.CRDB_DSN != "" {
		if err := crdb.ConnectToDB(); err != nil {
			logger.Error().Err(err).Msg("error connecting to CRDB")
			os.Exit(1)
		}

		err := migrations.CheckMigrations(utils.CRDB_DSN)
		if err != nil {
			logger.Error().Err(err).Msg("Error checking migrations")
			os.Exit(1)
		}
	}

	tl, err := NewTraceLake()
	if err != nil {
		logger.Error().Err(err).Msg("error building engine")
		os.Exit(1)
	}

	tl.Scheduler.Start()
	httpServer := http_server.StartHTTPServer(tl.Gateway, tl.Scheduler, tl.Index, tl.Registry)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Warn().Msg("received shutdown signal!")

	// For AWS ALB needing some time to de-register pod
	// Convert the time to seconds
	sleepTime := utils.GetEnvOrDefaultInt("SHUTDOWN_SLEEP_SEC", 0)
	logger.Info().Msg(fmt.Sprintf("sleeping for %ds before exiting", sleepTime))

	time.Sleep(time.Second * time.Duration(sleepTime))
	logger.Info().Msg(fmt.Sprintf("slept for %ds, exiting", sleepTime))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown HTTP server")
	} else {
		logger.Info().Msg("successfully shutdown HTTP server")
	}
	if err := tl.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown engine")
	}
}
