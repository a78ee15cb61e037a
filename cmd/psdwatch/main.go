// Command psdwatch tails an rxmon engine over WebSocket, printing one
// line per PSD sweep and status heartbeat. It can submit a command
// document on connect, which makes it a minimal remote control.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
)

type peek struct {
	Type string `json:"type"`
}

type psdLine struct {
	TimestampMs  int64     `json:"timestamp_ms"`
	CenterFreqHz float64   `json:"center_freq_hz"`
	StartFreqHz  float64   `json:"start_freq_hz"`
	EndFreqHz    float64   `json:"end_freq_hz"`
	BinCount     int       `json:"bin_count"`
	Method       string    `json:"method"`
	Scale        string    `json:"scale"`
	Pxx          []float64 `json:"Pxx"`
}

type statusLine struct {
	State       string  `json:"state"`
	Device      string  `json:"device"`
	Sweeps      uint64  `json:"sweeps"`
	RingFill    float64 `json:"ring_fill"`
	CycleErrors uint64  `json:"cycle_errors"`
	LastError   string  `json:"last_error,omitempty"`
}

type errorLine struct {
	Message string `json:"message"`
}

func main() {
	host := flag.String("host", "localhost:8080", "engine address")
	send := flag.String("send", "", "command document (JSON file) to submit on connect")
	every := flag.Int("every", 1, "print every Nth PSD sweep")
	raw := flag.Bool("raw", false, "dump raw JSON messages instead of summaries")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()
	log.Printf("connected to %s", u.String())

	if *send != "" {
		doc, err := os.ReadFile(*send)
		if err != nil {
			log.Fatalf("read %s: %v", *send, err)
		}
		if err := c.WriteMessage(websocket.TextMessage, doc); err != nil {
			log.Fatalf("send command: %v", err)
		}
		log.Printf("command submitted from %s", *send)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		c.Close()
		os.Exit(0)
	}()

	sweeps := 0
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			log.Fatalf("read: %v", err)
		}
		if *raw {
			fmt.Println(string(msg))
			continue
		}
		var p peek
		if err := json.Unmarshal(msg, &p); err != nil {
			continue
		}
		switch p.Type {
		case "psd":
			sweeps++
			if sweeps%*every != 0 {
				continue
			}
			var m psdLine
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			peakVal, peakIdx := peakOf(m.Pxx)
			binHz := (m.EndFreqHz - m.StartFreqHz) / float64(max(m.BinCount-1, 1))
			peakHz := m.StartFreqHz + float64(peakIdx)*binHz
			fmt.Printf("psd    %9.4f MHz span [%9.4f, %9.4f] %5d bins %-5s peak %7.2f %s @ %9.4f MHz\n",
				m.CenterFreqHz/1e6, m.StartFreqHz/1e6, m.EndFreqHz/1e6,
				m.BinCount, m.Method, peakVal, m.Scale, peakHz/1e6)
		case "status":
			var m statusLine
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			line := fmt.Sprintf("status %s on %s, %d sweeps, ring %4.1f%%, %d cycle errors",
				m.State, m.Device, m.Sweeps, m.RingFill*100, m.CycleErrors)
			if m.LastError != "" {
				line += ", last error: " + m.LastError
			}
			fmt.Println(line)
		case "error":
			var m errorLine
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			fmt.Printf("error  %s\n", m.Message)
		}
	}
}

func peakOf(pxx []float64) (float64, int) {
	if len(pxx) == 0 {
		return 0, 0
	}
	best, idx := pxx[0], 0
	for i, v := range pxx {
		if v > best {
			best, idx = v, i
		}
	}
	return best, idx
}
