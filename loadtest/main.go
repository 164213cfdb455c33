package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"taskpulse/client"
	"taskpulse/internal/service"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/wire"

	"github.com/redis/go-redis/v9"
)

// Configuration
var (
	wsURL     = flag.String("url", "ws://localhost:8080/ws", "Gateway websocket URL")
	healthURL = flag.String("health", "http://localhost:8080/health", "Gateway health URL")
	redisAddr = flag.String("redis", "localhost:6379", "Redis address for seeding sessions (empty to skip)")
	totalVUs  = flag.Int("c", 500, "Total Virtual Users (Concurrency)")
	rampUp    = flag.Duration("ramp", 30*time.Second, "Ramp up duration")
	sendEvery = flag.Duration("send", 5*time.Second, "Interval between channel messages per VU")
	channelID = flag.String("channel", "loadtest-latency-check", "Channel to post into")
	runFor    = flag.Duration("duration", 5*time.Minute, "How long to run after ramp up")
)

// Metrics
var (
	activeClients int64
	totalConnects int64
	connectErrors int64
	messagesRx    int64
	latencySum    int64 // milliseconds
	latencyCount  int64
)

func main() {
	flag.Parse()
	logger.InitLogger("test")

	fmt.Printf("Starting Load Test\n")
	fmt.Printf("   Target: %s\n", *wsURL)
	fmt.Printf("   VUs: %d\n", *totalVUs)
	fmt.Printf("   Ramp: %v\n", *rampUp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The gateway refuses sockets for users without a session entry, so
	// seed one per VU the same way the task app's login does.
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		checker := service.NewSessionChecker(rdb)
		for i := 0; i < *totalVUs; i++ {
			if err := checker.Touch(ctx, vuUserID(i), time.Hour); err != nil {
				fmt.Printf("session seed failed: %v\n", err)
				break
			}
		}
		rdb.Close()
	}

	// Metric Reporter
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				currentActive := atomic.LoadInt64(&activeClients)
				total := atomic.LoadInt64(&totalConnects)
				errs := atomic.LoadInt64(&connectErrors)
				msgs := atomic.SwapInt64(&messagesRx, 0)
				latSum := atomic.SwapInt64(&latencySum, 0)
				latCnt := atomic.SwapInt64(&latencyCount, 0)

				avgLat := float64(0)
				if latCnt > 0 {
					avgLat = float64(latSum) / float64(latCnt)
				}

				fmt.Printf("[%s] Active: %d | Total: %d | Errors: %d | Msgs/s: %d | Avg Latency: %.2f ms\n",
					time.Now().Format("15:04:05"), currentActive, total, errs, msgs, avgLat)
			}
		}
	}()

	var wg sync.WaitGroup
	interval := *rampUp / time.Duration(*totalVUs)
	for i := 0; i < *totalVUs; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(ctx, id)
		}(i)
		time.Sleep(interval)
	}

	fmt.Println("All VUs launched. Waiting...")
	time.Sleep(*runFor)
	cancel()
	wg.Wait()
}

func vuUserID(id int) string {
	return fmt.Sprintf("vu-%d", id)
}

func runClient(ctx context.Context, id int) {
	userID := vuUserID(id)
	token, err := service.MintToken(userID, userID, "member", time.Hour)
	if err != nil {
		atomic.AddInt64(&connectErrors, 1)
		return
	}

	c := client.NewPulseClient(client.Options{
		URL:       *wsURL,
		HealthURL: *healthURL,
		Session: client.Session{
			UserID:   userID,
			Username: userID,
			Token:    token,
		},
		Events: client.Events{
			OnAuthSuccess: func(wire.AuthSuccess) {
				atomic.AddInt64(&totalConnects, 1)
			},
			OnChannelMessage: func(ev wire.ChannelMessageEvent) {
				atomic.AddInt64(&messagesRx, 1)
				if ev.ChannelID != *channelID {
					return
				}
				var msg struct {
					ClientTime time.Time `json:"clientTime"`
				}
				if err := json.Unmarshal(ev.Message, &msg); err != nil || msg.ClientTime.IsZero() {
					return
				}
				latency := time.Since(msg.ClientTime).Milliseconds()
				// Filter reasonable range to avoid clock skew weirdness
				if latency >= 0 && latency < 10000 {
					atomic.AddInt64(&latencySum, latency)
					atomic.AddInt64(&latencyCount, 1)
				}
			},
		},
	})
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		atomic.AddInt64(&connectErrors, 1)
		return
	}
	atomic.AddInt64(&activeClients, 1)
	defer atomic.AddInt64(&activeClients, -1)

	ticker := time.NewTicker(*sendEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(map[string]string{
				"channelId": *channelID,
				"content":   fmt.Sprintf("ping from %s", userID),
			})
			c.Send(wire.KindChannelMessage, payload)
		}
	}
}
