// zmeta-replay feeds recorded NDJSON files back into a running engine,
// either via POST /ingest or as raw UDP datagrams with -udp. By default it
// paces sends from the recorded timestamps, so a one-hour capture replays
// over an hour at -speed 1.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/snarg/zmeta-engine/internal/config"
)

func main() {
	dir := flag.String("dir", "data/records", "directory of *.ndjson record files")
	file := flag.String("file", "", "replay a single file instead of a directory")
	url := flag.String("url", "http://127.0.0.1:8000/ingest", "ingest endpoint")
	secret := flag.String("secret", "", "shared secret sent in the x-zmeta-secret header")
	udp := flag.Bool("udp", false, "send raw UDP datagrams instead of HTTP POSTs")
	udpAddr := flag.String("udp-addr", "", "UDP target host:port; default comes from ZMETA_SIM_UDP_HOST / ZMETA_UDP_TARGET_HOST and ZMETA_UDP_PORT")
	speed := flag.Float64("speed", 1.0, "timestamp pacing multiplier (2 = twice as fast)")
	interval := flag.Duration("interval", 0, "fixed delay between events, overrides timestamp pacing")
	limit := flag.Int("limit", 0, "stop after this many events (0 = all)")
	loop := flag.Bool("loop", false, "restart from the first file when done")
	flag.Parse()

	files, err := collectFiles(*dir, *file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "replay: no record files found in %s\n", *dir)
		os.Exit(1)
	}

	r := &replayer{
		client:   &http.Client{Timeout: 5 * time.Second},
		url:      *url,
		secret:   *secret,
		speed:    *speed,
		interval: *interval,
		limit:    *limit,
	}

	if *udp {
		conn, err := dialUDP(*udpAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "replay: %v\n", err)
			os.Exit(1)
		}
		defer conn.Close()
		r.udp = conn
	}

	for {
		for _, path := range files {
			if err := r.replayFile(path); err != nil {
				fmt.Fprintf(os.Stderr, "replay: %s: %v\n", path, err)
			}
			if r.done() {
				r.report()
				return
			}
		}
		if !*loop {
			break
		}
		r.lastTS = time.Time{}
	}
	r.report()
	if r.sent == 0 {
		os.Exit(1)
	}
}

// dialUDP resolves the datagram target. An explicit -udp-addr wins;
// otherwise the environment decides, same precedence as the simulators.
func dialUDP(addr string) (net.Conn, error) {
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config for udp target: %w", err)
		}
		addr = net.JoinHostPort(cfg.SimulatorTargetHost(), strconv.Itoa(cfg.UDPPort))
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", addr, err)
	}
	return conn, nil
}

func collectFiles(dir, single string) ([]string, error) {
	if single != "" {
		return []string{single}, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.ndjson"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

type replayer struct {
	client   *http.Client
	url      string
	secret   string
	udp      net.Conn
	speed    float64
	interval time.Duration
	limit    int

	sent   int
	failed int
	lastTS time.Time
}

func (r *replayer) done() bool {
	return r.limit > 0 && r.sent+r.failed >= r.limit
}

func (r *replayer) report() {
	fmt.Printf("replayed %d events (%d failed)\n", r.sent, r.failed)
}

func (r *replayer) replayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal(line, &event); err != nil {
			r.failed++
			continue
		}
		// The engine assigns fresh sequence numbers; replaying recorded
		// ones would violate the per-process monotonic guarantee.
		delete(event, "sequence")

		r.pace(event)
		r.send(event)
		if r.done() {
			return nil
		}
	}
	return scanner.Err()
}

// pace sleeps to reproduce the recorded inter-event gaps, scaled by
// -speed, unless a fixed -interval was requested.
func (r *replayer) pace(event map[string]any) {
	if r.interval > 0 {
		time.Sleep(r.interval)
		return
	}
	raw, _ := event["timestamp"].(string)
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return
	}
	if !r.lastTS.IsZero() && ts.After(r.lastTS) {
		gap := ts.Sub(r.lastTS)
		if r.speed > 0 {
			gap = time.Duration(float64(gap) / r.speed)
		}
		if gap > 0 {
			time.Sleep(gap)
		}
	}
	r.lastTS = ts
}

func (r *replayer) send(event map[string]any) {
	body, err := json.Marshal(event)
	if err != nil {
		r.failed++
		return
	}
	if r.udp != nil {
		if _, err := r.udp.Write(body); err != nil {
			r.failed++
			return
		}
		r.sent++
		return
	}
	r.post(body)
}

func (r *replayer) post(body []byte) {
	req, err := http.NewRequest(http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		r.failed++
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.secret != "" {
		req.Header.Set("x-zmeta-secret", r.secret)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.failed++
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.failed++
		return
	}
	r.sent++
}
