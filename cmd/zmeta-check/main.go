// zmeta-check probes a running engine's /healthz endpoint. Meant for
// container health checks and scripts: the exit code is the result.
//
//	0  healthy
//	2  request failed (engine unreachable)
//	3  engine responded with an unexpected status
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

const (
	exitOK          = 0
	exitUnreachable = 2
	exitUnexpected  = 3
)

func main() {
	url := flag.String("url", "http://127.0.0.1:8000/healthz", "healthz endpoint to probe")
	timeout := flag.Duration("timeout", 3*time.Second, "request timeout")
	quiet := flag.Bool("quiet", false, "suppress output, exit code only")
	flag.Parse()

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(*url)
	if err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		}
		os.Exit(exitUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "health check: unexpected status %d\n", resp.StatusCode)
		}
		os.Exit(exitUnexpected)
	}

	var body struct {
		Status         string   `json:"status"`
		Clients        int      `json:"clients"`
		ValidatedTotal int64    `json:"validated_total"`
		DroppedTotal   int64    `json:"dropped_total"`
		EPS1s          float64  `json:"eps_1s"`
		LastPacketAge  *float64 `json:"last_packet_age_s"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "health check: bad response body: %v\n", err)
		}
		os.Exit(exitUnexpected)
	}

	if body.Status != "ok" {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "health check: engine reports status %q\n", body.Status)
		}
		os.Exit(exitUnexpected)
	}

	if !*quiet {
		age := "never"
		if body.LastPacketAge != nil {
			age = fmt.Sprintf("%.2fs", *body.LastPacketAge)
		}
		fmt.Printf("status=%s clients=%d validated=%d dropped=%d eps_1s=%.2f last_packet=%s\n",
			body.Status, body.Clients, body.ValidatedTotal, body.DroppedTotal, body.EPS1s, age)
	}
	os.Exit(exitOK)
}
