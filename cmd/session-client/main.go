// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// session-client conecta a um session-server sobre TLS mútuo, encaminha
// stdin como o stream de escrita da sessão e copia o stream de leitura
// reassemblado para stdout, servindo de demo end-to-end do sessioncore.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/mixsession/internal/logging"
	"github.com/nishisan-dev/mixsession/internal/pki"
	"github.com/nishisan-dev/mixsession/internal/sessioncore/config"
	"github.com/nishisan-dev/mixsession/internal/sessioncore/streamcodec"
	"github.com/nishisan-dev/mixsession/internal/sessioncore/surb"
	"github.com/nishisan-dev/mixsession/internal/transport"
)

// endpointName e sessionID identificam esta sessão única no layout de
// diretórios de log por sessão: {session_log_dir}/{endpointName}/{sessionID}.log.
const (
	endpointName = "session-client"
	sessionID    = "client"
)

func main() {
	configPath := flag.String("config", "/etc/mixsession/client.yaml", "path to session-client config file")
	flag.Parse()

	cfg, err := config.LoadSessionConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	baseLogger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closer.Close()

	logger, logCloser, _, err := logging.NewSessionLogger(baseLogger, cfg.Logging.SessionLogDir, endpointName, sessionID)
	if err != nil {
		baseLogger.Warn("opening session log file", "session_id", sessionID, "error", err)
		logger, logCloser = baseLogger, io.NopCloser(nil)
	}
	logger = logger.With("session_id", sessionID)
	defer logCloser.Close()

	tlsCfg, err := pki.NewClientTLSConfig(cfg.Transport.CACert, cfg.Transport.Cert, cfg.Transport.Key)
	if err != nil {
		logger.Error("building client tls config", "error", err)
		os.Exit(1)
	}

	tr, err := transport.Dial(cfg.Transport.Address, tlsCfg, cfg.Transport.MTU)
	if err != nil {
		logger.Error("dialing session-server", "error", err)
		os.Exit(1)
	}

	var control *transport.ControlChannel
	if cfg.Transport.ControlAddress != "" {
		controlConn, err := tls.Dial("tcp", cfg.Transport.ControlAddress, tlsCfg)
		if err != nil {
			logger.Warn("dialing control channel", "error", err)
		} else {
			control = transport.NewControlChannel(controlConn, 5*time.Second, logger)
			control.Start()
			defer control.Stop()
		}
	}

	balancer := surb.NewBalancer()
	balancer.UpdateSessionSURBBalancerConfig(sessionID, surb.Config{
		ResponseBuffer:  cfg.SURB.ResponseBufferRaw,
		MaxSURBUpstream: cfg.SURB.MaxSURBUpstream,
		PacketPayload:   cfg.SURB.PacketPayload,
		SURBSizeBits:    cfg.SURB.SURBSizeBits,
	})
	if target, err := balancer.TargetBufferSize(sessionID); err == nil {
		logger.Info("surb balancer configured", "target_surb_buffer_size", target)
	}

	socket := newConfiguredSocket(tr, cfg, logger)

	pacingCtx, cancelPacing := context.WithCancel(context.Background())
	defer cancelPacing()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("received signal, closing session")
		cancelPacing()
		socket.Close()
	}()

	mode := compressionModeByte(cfg.Stream.Compression)
	reader, err := streamcodec.NewReader(socket, mode)
	if err != nil {
		logger.Error("opening stream decompressor", "error", err)
		os.Exit(1)
	}
	writer, err := streamcodec.NewWriter(socket, mode)
	if err != nil {
		logger.Error("opening stream compressor", "error", err)
		os.Exit(1)
	}
	pacedWriter := balancer.PacedWriter(pacingCtx, sessionID, writer)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := io.Copy(os.Stdout, reader); err != nil {
			logger.Debug("session read loop ended", "error", err)
		}
	}()

	success := true
	if _, err := io.Copy(pacedWriter, os.Stdin); err != nil {
		logger.Warn("session write loop ended", "error", err)
		success = false
	}
	_ = writer.Close()
	socket.Close()
	<-done
	if success {
		logging.RemoveSessionLog(cfg.Logging.SessionLogDir, endpointName, sessionID)
	}
}
