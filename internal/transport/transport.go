// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport fornece um PacketTransport de demonstração para
// internal/sessioncore: TCP mais TLS 1.3 mútuo, com um handshake mínimo de
// negociação de MTU e framing por comprimento para carregar SessionMessages
// discretas sobre um stream de bytes.
package transport

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/nishisan-dev/mixsession/internal/pki"
)

// handshakeMagic identifica o início do protocolo Session sobre a conexão.
var handshakeMagic = [4]byte{'S', 'E', 'S', 'S'}

// TCPTransport carrega pacotes SessionMessage sobre uma conexão TLS usando um
// prefixo de comprimento de 2 bytes (big-endian) por pacote — o MTU da
// sessão é negociado uma vez no handshake e limita o tamanho de cada pacote.
type TCPTransport struct {
	conn net.Conn
	mtu  int
}

// Dial conecta a addr com mTLS e realiza o handshake de MTU como client.
func Dial(addr string, tlsCfg *tls.Config, mtu int) (*TCPTransport, error) {
	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if err := writeHandshake(conn, mtu); err != nil {
		conn.Close()
		return nil, err
	}
	negotiated, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if negotiated > mtu {
		negotiated = mtu
	}
	return &TCPTransport{conn: conn, mtu: negotiated}, nil
}

// Accept envolve uma conexão já aceita (tipicamente por um net.Listener
// TLS) e realiza o lado servidor do handshake de MTU.
func Accept(conn net.Conn, mtu int) (*TCPTransport, error) {
	negotiated, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeHandshake(conn, mtu); err != nil {
		conn.Close()
		return nil, err
	}
	if negotiated < mtu {
		mtu = negotiated
	}
	return &TCPTransport{conn: conn, mtu: mtu}, nil
}

// NewListener cria um net.Listener TLS 1.3 com autenticação mútua obrigatória,
// grounded no internal/pki do repositório.
func NewListener(addr, caCert, serverCert, serverKey string) (net.Listener, error) {
	cfg, err := pki.NewServerTLSConfig(caCert, serverCert, serverKey)
	if err != nil {
		return nil, fmt.Errorf("building server tls config: %w", err)
	}
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

func writeHandshake(w io.Writer, mtu int) error {
	var buf [6]byte
	copy(buf[0:4], handshakeMagic[:])
	binary.BigEndian.PutUint16(buf[4:6], uint16(mtu))
	_, err := w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	return nil
}

func readHandshake(r io.Reader) (int, error) {
	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("reading handshake: %w", err)
	}
	if [4]byte(buf[0:4]) != handshakeMagic {
		return 0, fmt.Errorf("unexpected handshake magic %q", buf[0:4])
	}
	return int(binary.BigEndian.Uint16(buf[4:6])), nil
}

// Send escreve packet prefixado por seu comprimento em 2 bytes big-endian.
func (t *TCPTransport) Send(packet []byte) error {
	if len(packet) > t.mtu {
		return fmt.Errorf("packet of %d bytes exceeds negotiated mtu %d", len(packet), t.mtu)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(packet)))
	if _, err := t.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing packet length: %w", err)
	}
	if _, err := t.conn.Write(packet); err != nil {
		return fmt.Errorf("writing packet body: %w", err)
	}
	return nil
}

// Recv lê o próximo pacote prefixado por comprimento.
func (t *TCPTransport) Recv() ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(t.conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading packet length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	packet := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(t.conn, packet); err != nil {
			return nil, fmt.Errorf("reading packet body: %w", err)
		}
	}
	return packet, nil
}

// Close fecha a conexão subjacente.
func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

// MTU retorna o MTU efetivamente negociado no handshake.
func (t *TCPTransport) MTU() int {
	return t.mtu
}
