package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/venlare/chatsync/internal/server"
)

func main() {
	addr := flag.String("addr", ":8080", "Address to listen on (e.g. :8080)")
	token := flag.String("token", "", "Bearer token clients must present (empty disables auth)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	broker := server.NewBroker(*addr, *token)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- broker.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logrus.WithField("error", err).Fatal("broker error")
		}
	case sig := <-sigChan:
		logrus.WithField("signal", sig).Info("shutting down")
		broker.Stop()
	}

	logrus.Info("broker stopped")
}
