package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/zmeta-engine/internal/metrics"
)

// maxDatagramSize comfortably covers any single-event JSON payload.
const maxDatagramSize = 65535

// logSnippetLen bounds how much of a bad payload lands in the log.
const logSnippetLen = 200

type UDPOptions struct {
	Host     string
	Port     int
	QueueMax int
	Pipeline *Pipeline
	Metrics  *metrics.Registry
	Log      zerolog.Logger
}

// UDPReceiver listens for one-JSON-object-per-datagram telemetry. The
// socket reader never parses: datagrams are handed to a bounded queue and
// a consumer goroutine does decode + ingest, so a slow pipeline sheds load
// by dropping datagrams instead of backing up the socket.
type UDPReceiver struct {
	host     string
	port     int
	pipeline *Pipeline
	metrics  *metrics.Registry
	log      zerolog.Logger

	conn  *net.UDPConn
	queue chan []byte

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewUDPReceiver(opts UDPOptions) *UDPReceiver {
	if opts.QueueMax <= 0 {
		opts.QueueMax = 4096
	}
	return &UDPReceiver{
		host:     opts.Host,
		port:     opts.Port,
		pipeline: opts.Pipeline,
		metrics:  opts.Metrics,
		log:      opts.Log.With().Str("component", "udp").Logger(),
		queue:    make(chan []byte, opts.QueueMax),
	}
}

// Start binds the socket and launches the reader and consumer goroutines.
func (u *UDPReceiver) Start() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(u.host, fmt.Sprintf("%d", u.port)))
	if err != nil {
		return fmt.Errorf("resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind udp: %w", err)
	}
	u.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel

	u.wg.Add(2)
	go u.read()
	go u.consume(ctx)
	u.log.Info().Str("addr", conn.LocalAddr().String()).Msg("udp listener started")
	return nil
}

// Stop closes the socket, which unblocks the reader, then stops the
// consumer. Queued datagrams that have not been decoded yet are discarded.
func (u *UDPReceiver) Stop() {
	u.stopOnce.Do(func() {
		if u.conn != nil {
			_ = u.conn.Close()
		}
		if u.cancel != nil {
			u.cancel()
		}
		u.wg.Wait()
		u.log.Info().Msg("udp listener stopped")
	})
}

// LocalAddr returns the bound address; useful when Port was 0.
func (u *UDPReceiver) LocalAddr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDPReceiver) read() {
	defer u.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket means shutdown; anything else is logged and
			// the loop keeps going.
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.Warn().Err(err).Msg("udp read error")
			continue
		}
		u.metrics.NoteReceived()
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		select {
		case u.queue <- datagram:
		default:
			u.metrics.NoteDropped()
			u.log.Warn().Msg("udp queue full, dropping datagram")
		}
	}
}

func (u *UDPReceiver) consume(ctx context.Context) {
	defer u.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case datagram := <-u.queue:
			u.handle(datagram)
		}
	}
}

// handle decodes one datagram and runs it through the pipeline. Bad bytes
// are replaced rather than rejected so a truncated payload still produces
// a useful log snippet.
func (u *UDPReceiver) handle(datagram []byte) {
	text := strings.ToValidUTF8(string(bytes.TrimSpace(datagram)), "�")
	if text == "" {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		u.metrics.NoteDropped()
		u.log.Warn().Err(err).Str("payload", snippet(text)).Msg("udp payload is not a json object")
		return
	}
	if _, _, err := u.pipeline.Ingest(payload, "udp"); err != nil {
		u.metrics.NoteDropped()
		u.log.Warn().Err(err).Str("payload", snippet(text)).Msg("udp payload rejected")
	}
}

func snippet(s string) string {
	if len(s) > logSnippetLen {
		return s[:logSnippetLen]
	}
	return s
}
