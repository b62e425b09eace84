// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// session-server aceita conexões de Session sobre TLS mútuo e as ecoa de
// volta ao remetente, servindo de demo end-to-end do núcleo sessioncore
// sobre o transporte TCP+mTLS de internal/transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/nishisan-dev/mixsession/internal/logging"
	sessionconfig "github.com/nishisan-dev/mixsession/internal/sessioncore/config"
	"github.com/nishisan-dev/mixsession/internal/sessioncore/streamcodec"
	"github.com/nishisan-dev/mixsession/internal/sessioncore/surb"
	"github.com/nishisan-dev/mixsession/internal/transport"
)

// endpointName identifica este binário no layout de diretórios de log por
// sessão: {session_log_dir}/{endpointName}/{session_id}.log.
const endpointName = "session-server"

func main() {
	configPath := flag.String("config", "/etc/mixsession/server.yaml", "path to session-server config file")
	flag.Parse()

	cfg, err := sessionconfig.LoadSessionConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closer.Close()

	ln, err := transport.NewListener(cfg.Transport.Address, cfg.Transport.CACert, cfg.Transport.Cert, cfg.Transport.Key)
	if err != nil {
		logger.Error("starting listener", "error", err)
		os.Exit(1)
	}

	var controlLn net.Listener
	if cfg.Transport.ControlAddress != "" {
		controlLn, err = transport.NewListener(cfg.Transport.ControlAddress, cfg.Transport.CACert, cfg.Transport.Cert, cfg.Transport.Key)
		if err != nil {
			logger.Error("starting control listener", "error", err)
			os.Exit(1)
		}
	}

	balancer := surb.NewBalancer()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		ln.Close()
		if controlLn != nil {
			controlLn.Close()
		}
	}()

	if controlLn != nil {
		go acceptControlChannels(controlLn, logger)
	}

	var sessionSeq atomic.Uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Debug("listener closed", "error", err)
			return
		}
		id := sessionSeq.Add(1)
		sessionID := fmt.Sprintf("session-%d", id)
		go handleSession(conn, cfg, logger, sessionID, balancer)
	}
}

func acceptControlChannels(ln net.Listener, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Debug("control listener closed", "error", err)
			return
		}
		cc := transport.NewControlChannel(conn, 0, logger)
		cc.Start()
	}
}

func handleSession(conn net.Conn, cfg *sessionconfig.SessionConfig, baseLogger *slog.Logger, sessionID string, balancer *surb.Balancer) {
	defer conn.Close()

	logger, logCloser, _, err := logging.NewSessionLogger(baseLogger, cfg.Logging.SessionLogDir, endpointName, sessionID)
	if err != nil {
		baseLogger.Warn("opening session log file", "session_id", sessionID, "error", err)
		logger, logCloser = baseLogger, io.NopCloser(nil)
	}
	logger = logger.With("session_id", sessionID)
	defer logCloser.Close()

	tr, err := transport.Accept(conn, cfg.Transport.MTU)
	if err != nil {
		logger.Warn("mtu handshake failed", "error", err)
		return
	}

	balancer.UpdateSessionSURBBalancerConfig(sessionID, surb.Config{
		ResponseBuffer:  cfg.SURB.ResponseBufferRaw,
		MaxSURBUpstream: cfg.SURB.MaxSURBUpstream,
		PacketPayload:   cfg.SURB.PacketPayload,
		SURBSizeBits:    cfg.SURB.SURBSizeBits,
	})
	defer balancer.RemoveSession(sessionID)

	socket := newConfiguredSocket(tr, cfg, logger)
	defer socket.Close()

	logger.Info("session established", "remote", conn.RemoteAddr())

	mode := compressionModeByte(cfg.Stream.Compression)
	reader, err := streamcodec.NewReader(socket, mode)
	if err != nil {
		logger.Warn("opening stream decompressor", "error", err)
		return
	}
	writer, err := streamcodec.NewWriter(socket, mode)
	if err != nil {
		logger.Warn("opening stream compressor", "error", err)
		return
	}

	pacingCtx, cancelPacing := context.WithCancel(context.Background())
	defer cancelPacing()
	pacedWriter := balancer.PacedWriter(pacingCtx, sessionID, writer)

	// Demo echo loop: qualquer byte reassemblado é reenviado ao remetente,
	// passando pela compressão de stream opcional e pelo balanceador de SURBs
	// em cada sentido.
	success := true
	if _, err := io.Copy(pacedWriter, reader); err != nil && err != io.EOF {
		logger.Debug("session echo loop ended", "error", err)
		success = false
	}
	_ = writer.Close()
	if success {
		logging.RemoveSessionLog(cfg.Logging.SessionLogDir, endpointName, sessionID)
	}
	logger.Info("session closed", "remote", conn.RemoteAddr())
}
