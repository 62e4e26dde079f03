package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/minichat/pkg/client"
)

// generateUsername returns a unique username so workers never collide
// on account creation.
func generateUsername() string {
	return "load-" + uuid.NewString()[:13]
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	accountsCreated   atomic.Int64
	loginsSucceeded   atomic.Int64
	loginsFailed      atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	// Detailed failure tracking
	timeouts       atomic.Int64
	disconnections atomic.Int64
	authRejections atomic.Int64

	// Connect phase failure breakdown
	connectDialFailed   atomic.Int64
	connectCreateFailed atomic.Int64
}

func (s *Stats) recordLogin(responseTimeUs int64) {
	s.loginsSucceeded.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordLoginFailure(err error) {
	s.loginsFailed.Add(1)
	switch {
	case strings.Contains(err.Error(), "no response"):
		s.timeouts.Add(1)
	case strings.Contains(err.Error(), "broken pipe"),
		strings.Contains(err.Error(), "connection reset"),
		strings.Contains(err.Error(), "EOF"):
		s.disconnections.Add(1)
	default:
		s.authRejections.Add(1)
	}
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) snapshot() (logins, failed, connErrors int64, avgResponseUs float64) {
	logins = s.loginsSucceeded.Load()
	failed = s.loginsFailed.Load()
	connErrors = s.connectionErrors.Load()

	if logins > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(logins)
	}

	return
}

// Worker is a fake client that creates one account and then logs into
// it over and over.
type Worker struct {
	id       int
	username string
	password string
	conn     *client.Client
	stats    *Stats
}

func NewWorker(id int, stats *Stats) *Worker {
	return &Worker{
		id:       id,
		username: generateUsername(),
		password: "load-" + uuid.NewString()[:8],
		stats:    stats,
	}
}

func (w *Worker) Connect(serverAddr string) error {
	conn, err := client.Dial(serverAddr)
	if err != nil {
		w.stats.connectDialFailed.Add(1)
		return fmt.Errorf("dial: %w", err)
	}
	w.conn = conn

	if _, err := conn.CreateAccount(w.username, w.password); err != nil {
		w.stats.connectCreateFailed.Add(1)
		conn.Close()
		return fmt.Errorf("create account: %w", err)
	}
	w.stats.accountsCreated.Add(1)

	return nil
}

func (w *Worker) LoginOnce() error {
	start := time.Now()
	result, err := w.conn.Login(w.username, w.password)
	if err != nil {
		w.stats.recordLoginFailure(err)
		return err
	}
	w.stats.recordLogin(time.Since(start).Microseconds())

	if result.UnreadCount != 0 {
		log.Printf("[Worker %d] Unexpected unread count %d for a fresh account", w.id, result.UnreadCount)
	}
	return nil
}

func (w *Worker) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer w.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Worker %d] PANIC: %v", w.id, r)
		}
	}()

	endTime := time.Now().Add(duration)

	for time.Now().Before(endTime) {
		if err := w.LoginOnce(); err != nil {
			// The connection is closed after a timeout, so there is no
			// point continuing with this worker
			if strings.Contains(err.Error(), "no response") {
				return
			}
		}

		// Random delay between logins
		delay := minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)))
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}

func initLogging() error {
	// Truncate on each run to avoid confusion
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:50051", "Server address (tcp://, ssh:// or ws:// scheme)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between logins")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between logins")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				logins, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(logins) / elapsed
				avgMs := avgUs / 1000.0
				load := getCPULoad()
				goroutines := runtime.NumGoroutine()

				log.Printf("Stats: %d logins (%.1f/s), %d failed, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					logins, rate, failed, connErrors, avgMs, load, goroutines)
			case <-stopStats:
				return
			}
		}
	}()

	// Spawn clients
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			worker := NewWorker(id, stats)
			if err := worker.Connect(*serverAddr); err != nil {
				stats.recordConnectionError()
				return
			}

			stats.successfulClients.Add(1)

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Worker %d] Connected as %s", id, worker.username)
			}

			worker.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		// Stagger client connections
		time.Sleep(staggerDelay)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("\nShutdown signal received, stopping test...")
		close(stopStats)
	}()

	// Wait for all clients to finish
	wg.Wait()
	close(stopStats)

	// Final stats
	logins, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	accountsCreated := stats.accountsCreated.Load()
	totalDuration := *duration
	rate := float64(logins) / totalDuration.Seconds()
	avgMs := avgUs / 1000.0

	// Expected throughput based on successful clients
	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(totalDuration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(successfulClients)
	efficiency := 0.0
	if expectedTotal > 0 {
		efficiency = float64(logins) / expectedTotal * 100
	}

	timeouts := stats.timeouts.Load()
	disconnects := stats.disconnections.Load()
	authRejections := stats.authRejections.Load()
	dialFails := stats.connectDialFailed.Load()
	createFails := stats.connectCreateFailed.Load()

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", totalDuration)
	log.Printf("Accounts created: %d", accountsCreated)
	log.Printf("Logins: %d (%.1f/s)", logins, rate)
	log.Printf("Logins failed: %d", failed)
	log.Printf("  - Timeouts: %d", timeouts)
	log.Printf("  - Disconnections: %d", disconnects)
	log.Printf("  - Auth rejections: %d", authRejections)
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  - Dial failed: %d", dialFails)
		log.Printf("  - Create account failed: %d", createFails)
	}
	log.Printf("Average response time: %.2fms", avgMs)
	log.Printf("Expected throughput: %.0f logins (%.1f per client)", expectedTotal, expectedPerClient)
	log.Printf("Actual vs expected: %.1f%% efficiency", efficiency)

	if logins > 0 {
		successRate := float64(logins) / float64(logins+failed) * 100
		log.Printf("Success rate: %.1f%%", successRate)
	}
}
