/*
 * Copyright (c) 2025, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/logging"
)

func main() {

	// Define command-line parameters

	var configFilename string
	flag.StringVar(&configFilename, "config", "", "configuration input file")

	var mode string
	flag.StringVar(&mode, "mode", "server", "\"server\" or \"client\"")

	var address string
	flag.StringVar(&address, "address", "127.0.0.1:7000", "listen address, or server address to connect to")

	var network string
	flag.StringVar(&network, "network", "tcp", "tcp, tcp4, tcp6 or unix")

	var message string
	flag.StringVar(&message, "message", "hello", "client message")

	var count int
	flag.IntVar(&count, "count", 1, "number of client round trips")

	var useTLS bool
	flag.BoolVar(&useTLS, "tls", false, "client connects with TLS")

	flag.Parse()

	configJSON := []byte("{}")
	if configFilename != "" {
		var err error
		configJSON, err = os.ReadFile(configFilename)
		if err != nil {
			fmt.Printf("error loading configuration file: %s\n", err)
			os.Exit(1)
		}
	}

	config, err := asyncsocket.LoadConfig(configJSON)
	if err != nil {
		fmt.Printf("error processing configuration file: %s\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger("echo")
	if err != nil {
		fmt.Printf("error initializing logging: %s\n", err)
		os.Exit(1)
	}

	registry, loop, err := config.NewRegistry(logger)
	if err != nil {
		logger.WithTrace().Error("error creating registry: ", err)
		os.Exit(1)
	}
	defer loop.Close()

	// All sockets share one Lock, as the reactor runs on its own goroutine.

	lock := asyncsocket.NewLock()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	switch mode {
	case "server":
		err = runServer(registry, config, lock, logger, network, address)
	case "client":
		err = runClient(stop, registry, config, lock, logger, network, address, message, count, useTLS)
	default:
		err = fmt.Errorf("invalid mode: %s", mode)
	}
	if err != nil {
		logger.WithTrace().Error(err)
		os.Exit(1)
	}

	loopWaitGroup := new(sync.WaitGroup)
	loopWaitGroup.Add(1)
	go func() {
		defer loopWaitGroup.Done()
		err := loop.Run(ctx)
		if err != nil {
			logger.WithTrace().Error("reactor failed: ", err)
		}
		stop()
	}()

	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)

	writeMetricsSignal := make(chan os.Signal, 1)
	signal.Notify(writeMetricsSignal, syscall.SIGUSR2)

	// Wait for an OS signal or for the client to finish, then close all
	// sockets and exit

	for exit := false; !exit; {
		select {
		case <-writeMetricsSignal:
			logger.LogMetric("registry", registry.GetMetrics())
		case <-systemStopSignal:
			logger.WithTrace().Info("shutdown by system")
			stop()
			exit = true
		case <-ctx.Done():
			exit = true
		}
	}

	loopWaitGroup.Wait()
	registry.CloseAll()
	logger.LogMetric("registry", registry.GetMetrics())
}

func runServer(
	registry *asyncsocket.Registry,
	config *asyncsocket.Config,
	lock *asyncsocket.Lock,
	logger *logging.ContextLogger,
	network, address string) error {

	tlsConfig, err := config.ServerTLSConfig()
	if err != nil {
		return err
	}

	onError := func(s *asyncsocket.Socket, err error) {
		logger.WithTraceFields(common.LogFields{"socketID": s.ID()}).Info("closing: ", err)
		s.Close()
	}

	listener, err := registry.Listen(
		address,
		&asyncsocket.ListenOptions{
			Network:      network,
			Lock:         lock,
			TLS:          tlsConfig,
			ErrorHandler: onError,
		},
		func(s *asyncsocket.Socket) {

			remoteAddr, _ := s.RemoteAddr()
			logger.WithTraceFields(common.LogFields{
				"socketID": s.ID(),
				"peer":     fmt.Sprintf("%v", remoteAddr),
			}).Info("accepted")

			s.SetErrorHandler(onError)

			err := s.ReceivePartial(make([]byte, 4096),
				func(s *asyncsocket.Socket, buffer []byte, filled int) {
					echo := append([]byte(nil), buffer[:filled]...)
					err := s.Send(echo, func(*asyncsocket.Socket, []byte, int) {})
					if err != nil {
						onError(s, err)
					}
				})
			if err != nil {
				onError(s, err)
			}
		})
	if err != nil {
		return err
	}

	port, _ := listener.Port()
	logger.WithTraceFields(common.LogFields{"port": port}).Info("listening on ", address)

	return nil
}

func runClient(
	stop context.CancelFunc,
	registry *asyncsocket.Registry,
	config *asyncsocket.Config,
	lock *asyncsocket.Lock,
	logger *logging.ContextLogger,
	network, address, message string,
	count int,
	useTLS bool) error {

	if message == "" || count < 1 {
		return fmt.Errorf("invalid message or count")
	}

	var tlsConfig *asyncsocket.TLSConfig
	if useTLS {
		var err error
		tlsConfig, err = config.ClientTLSConfig()
		if err != nil {
			return err
		}
	}

	start := time.Now()
	remaining := count

	finish := func(s *asyncsocket.Socket) {
		s.Close()
		stop()
	}

	_, err := registry.Connect(
		address,
		&asyncsocket.ConnectOptions{
			Network:              network,
			Lock:                 lock,
			TLS:                  tlsConfig,
			UpstreamProxyURL:     config.UpstreamProxyURL,
			UpstreamProxyHeaders: config.UpstreamProxyCustomHeaders,
			ErrorHandler: func(s *asyncsocket.Socket, err error) {
				logger.WithTrace().Error("client failed: ", err)
				finish(s)
			},
		},
		func(s *asyncsocket.Socket) {

			logger.WithTrace().Info("connected to ", address)

			send := func(s *asyncsocket.Socket) {
				err := s.Send([]byte(message), func(*asyncsocket.Socket, []byte, int) {})
				if err != nil {
					logger.WithTrace().Error("send failed: ", err)
					finish(s)
				}
			}

			err := s.Receive(make([]byte, len(message)),
				func(s *asyncsocket.Socket, buffer []byte, filled int) {
					fmt.Println(string(buffer[:filled]))
					remaining--
					if remaining == 0 {
						logger.WithTraceFields(common.LogFields{
							"roundTrips": count,
							"elapsed":    time.Since(start).String(),
						}).Info("done")
						finish(s)
						return
					}
					send(s)
				})
			if err != nil {
				logger.WithTrace().Error("receive failed: ", err)
				finish(s)
				return
			}
			send(s)
		})

	return err
}
