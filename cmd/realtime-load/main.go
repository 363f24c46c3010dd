// Command realtime-load holds many real-time sessions open against a server
// and counts the messages they receive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"task-sync/client"
	"task-sync/config"
)

type counters struct {
	attempts atomic.Uint64
	failures atomic.Uint64
	messages atomic.Uint64
}

func (c *counters) failureRate() float64 {
	attempts := c.attempts.Load()
	if attempts == 0 {
		return 0
	}
	return float64(c.failures.Load()) / float64(attempts)
}

func main() {
	var (
		sessions  = flag.Int("sessions", 200, "concurrent sessions")
		duration  = flag.Duration("duration", 2*time.Minute, "test duration")
		transport = flag.String("transport", "websocket", "websocket or polling")
		quiet     = flag.Duration("quiet", time.Minute, "fail when no message arrives within this window")
	)
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	var dialer client.Dialer
	switch *transport {
	case "websocket":
		dialer = client.WebSocketDialer{BaseURL: cfg.ServerURL, Token: cfg.Token}
	case "polling":
		dialer = client.PollingDialer{BaseURL: cfg.ServerURL, Token: cfg.Token}
	default:
		log.Fatalf("unknown transport %q", *transport)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var c counters
	var wg sync.WaitGroup
	for range *sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hold(ctx, dialer, cfg.ReconnectDelay, cfg.ReconnectDelayMax, &c)
		}()
	}

	go func() {
		select {
		case <-time.After(*quiet):
			if c.messages.Load() == 0 {
				log.Errorf("no messages received in %v", *quiet)
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	fmt.Printf("sessions=%d duration_sec=%d messages_received=%d connection_failures=%d\n",
		*sessions, int(duration.Seconds()), c.messages.Load(), c.failures.Load())
	if c.messages.Load() == 0 || c.failureRate() > 0.01 {
		os.Exit(1)
	}
}

// hold keeps one session open until ctx is done, redialing with capped
// exponential backoff.
func hold(ctx context.Context, dialer client.Dialer, base, maxDelay time.Duration, c *counters) {
	backoff := base
	for ctx.Err() == nil {
		c.attempts.Add(1)
		conn, err := dialer.Dial(ctx)
		if err == nil {
			backoff = base
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			for {
				if _, err = conn.Recv(ctx); err != nil {
					break
				}
				c.messages.Add(1)
			}
			stop()
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}
		c.failures.Add(1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxDelay)
	}
}
