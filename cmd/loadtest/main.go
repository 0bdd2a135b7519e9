package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum))

const replyTimeout = 5 * time.Second

// generateUsername glues fragments of two random words to the bot id, which
// keeps names readable and unique within one run
func generateUsername(id int) string {
	fragment := func() string {
		word := strings.ToLower(loremWords[rand.Intn(len(loremWords))])
		n := 3 + rand.Intn(3)
		if n > len(word) {
			n = len(word)
		}
		return word[:n]
	}
	return fragment() + fragment() + strconv.Itoa(id)
}

func randomText() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	echoes            atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	framesReceived    atomic.Int64
	connectionErrors  atomic.Int64

	// Detailed failure tracking
	serverErrors   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordEcho(responseTimeUs int64) {
	s.echoes.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (sent, failed, received, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	received = s.framesReceived.Load()
	connErrors = s.connectionErrors.Load()

	if echoes := s.echoes.Load(); echoes > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(echoes)
	}
	return
}

// BotClient is a scripted user generating room, multi-room and private traffic
type BotClient struct {
	id       int
	nickname string
	room     string
	conn     *client.Connection
	stats    *Stats

	seq       atomic.Int64
	pendingMu sync.Mutex
	pending   map[string]time.Time // echo marker -> send time
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	return &BotClient{
		id:       id,
		nickname: generateUsername(id),
		conn:     conn,
		stats:    stats,
		pending:  make(map[string]time.Time),
	}, nil
}

func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		return err
	}
	if _, err := bc.conn.Hello(bc.nickname, replyTimeout); err != nil {
		bc.conn.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}
	return nil
}

// Setup creates (or finds) the bot's room and joins it. Frames are read
// synchronously here; the reader goroutine starts in Run.
func (bc *BotClient) Setup(room string) error {
	bc.room = room

	if err := bc.conn.SendText(protocol.OpCreateRoom, room); err != nil {
		return err
	}
	// Either the creation broadcast or "already exists"
	if _, err := bc.awaitEither(protocol.OpCreateRoom, protocol.OpError); err != nil {
		return err
	}

	if err := bc.conn.SendText(protocol.OpJoin, room); err != nil {
		return err
	}
	// JOIN announcements are broadcast, so skip other bots' joins
	joined := bc.nickname + " joined room "
	for {
		msg, err := bc.awaitEither(protocol.OpJoin, protocol.OpError)
		if err != nil {
			return err
		}
		if msg.Opcode == protocol.OpError {
			return fmt.Errorf("failed to join %s: %s", room, msg.Text())
		}
		if text := msg.Text(); strings.HasPrefix(text, joined) || strings.HasPrefix(text, "You are already in room") {
			return nil
		}
	}
}

func (bc *BotClient) awaitEither(a, b uint32) (protocol.Message, error) {
	deadline := time.Now().Add(replyTimeout)
	for {
		msg, err := bc.conn.Receive(time.Until(deadline))
		if err != nil {
			return protocol.Message{}, err
		}
		if msg.Opcode == a || msg.Opcode == b {
			return msg, nil
		}
	}
}

// readLoop consumes every incoming frame, matching echoes of our own room
// messages against the pending markers
func (bc *BotClient) readLoop(done chan<- struct{}) {
	defer close(done)

	echoPrefix := " | " + bc.nickname + ": "
	for msg := range bc.conn.Incoming() {
		bc.stats.framesReceived.Add(1)

		switch msg.Opcode {
		case protocol.OpError:
			bc.stats.serverErrors.Add(1)
		case protocol.OpServerDisconnect:
			bc.stats.disconnections.Add(1)
		case protocol.OpMessage:
			_, text, ok := strings.Cut(msg.Text(), echoPrefix)
			if !ok {
				continue
			}
			marker, _, _ := strings.Cut(text, " ")
			bc.pendingMu.Lock()
			start, found := bc.pending[marker]
			delete(bc.pending, marker)
			bc.pendingMu.Unlock()
			if found {
				bc.stats.recordEcho(time.Since(start).Microseconds())
			}
		}
	}
}

func (bc *BotClient) nextMarker() string {
	return fmt.Sprintf("#%d-%d", bc.id, bc.seq.Add(1))
}

// SendRandom sends one frame: mostly room chat, some multi-room and private
func (bc *BotClient) SendRandom(rooms []string, peers []string) error {
	var msg protocol.Message

	switch roll := rand.Float32(); {
	case roll < 0.1 && len(rooms) > 1:
		targets := []string{rooms[rand.Intn(len(rooms))], rooms[rand.Intn(len(rooms))]}
		msg = protocol.NewMessage(protocol.OpMultiRoomMessage,
			strings.Join(targets, protocol.RoomListSeparator)+" "+randomText())
	case roll < 0.2 && len(peers) > 0:
		msg = protocol.NewMessage(protocol.OpPrivateMessage,
			peers[rand.Intn(len(peers))]+" "+randomText())
	default:
		marker := bc.nextMarker()
		bc.pendingMu.Lock()
		bc.pending[marker] = time.Now()
		bc.pendingMu.Unlock()
		msg = protocol.NewMessage(protocol.OpMessage, marker+" "+randomText())
	}

	if err := bc.conn.Send(msg); err != nil {
		bc.stats.recordDisconnection()
		return err
	}
	bc.stats.messagesSent.Add(1)
	return nil
}

// expirePending counts room messages whose echo never arrived
func (bc *BotClient) expirePending(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)

	bc.pendingMu.Lock()
	defer bc.pendingMu.Unlock()
	for marker, start := range bc.pending {
		if start.Before(cutoff) {
			delete(bc.pending, marker)
			bc.stats.recordTimeout()
		}
	}
}

func (bc *BotClient) Run(stop <-chan struct{}, duration, minDelay, maxDelay, shutdownDelay time.Duration, rooms, peers []string) {
	done := make(chan struct{})
	go bc.readLoop(done)

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.SendRandom(rooms, peers); err != nil {
			break
		}
		bc.expirePending(replyTimeout)

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			endTime = time.Now()
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-stop:
		}
	}

	// Close sends CLIENT_DISCONNECT and ends the read loop
	bc.conn.Close()
	<-done
	bc.expirePending(0)
}

type loadtestFlags struct {
	server   string
	clients  int
	rooms    int
	duration time.Duration
	minDelay time.Duration
	maxDelay time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &loadtestFlags{}

	cmd := &cobra.Command{
		Use:          "roomchat-loadtest",
		Short:        "Drive a RoomChat server with scripted clients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.clients <= 0 || flags.rooms <= 0 {
				return fmt.Errorf("--clients and --rooms must be positive")
			}
			if flags.maxDelay < flags.minDelay {
				return fmt.Errorf("--max-delay must not be below --min-delay")
			}
			runLoadtest(flags)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.server, "server", "localhost:6060", "Server address (host:port, ws://, ssh://)")
	f.IntVar(&flags.clients, "clients", 10, "Number of concurrent clients")
	f.IntVar(&flags.rooms, "rooms", 3, "Number of rooms to spread clients over")
	f.DurationVar(&flags.duration, "duration", time.Minute, "Test duration")
	f.DurationVar(&flags.minDelay, "min-delay", 100*time.Millisecond, "Minimum delay between messages")
	f.DurationVar(&flags.maxDelay, "max-delay", time.Second, "Maximum delay between messages")

	return cmd
}

func runLoadtest(flags *loadtestFlags) {
	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := flags.duration / 4
	staggerDelay := rampUpDuration / time.Duration(flags.clients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	rooms := make([]string, flags.rooms)
	for i := range rooms {
		rooms[i] = fmt.Sprintf("load-%d", i)
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", flags.server)
	log.Printf("  Clients: %d across %d rooms", flags.clients, flags.rooms)
	log.Printf("  Duration: %v", flags.duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", flags.minDelay, flags.maxDelay)
	log.Printf("")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, failed, received, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d received, %d failed, %d conn errors, avg echo %.2fms",
					sent, float64(sent)/elapsed, received, failed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	// Peers are the names of bots that finished their handshake
	var peersMu sync.Mutex
	var peers []string
	peerSnapshot := func(self string) []string {
		peersMu.Lock()
		defer peersMu.Unlock()
		out := make([]string, 0, len(peers))
		for _, p := range peers {
			if p != self {
				out = append(out, p)
			}
		}
		return out
	}

	var wg sync.WaitGroup
spawn:
	for i := 0; i < flags.clients; i++ {
		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(flags.clients-i-1)

		wg.Add(1)
		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, flags.server, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Connect(); err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Setup(rooms[id%len(rooms)]); err != nil {
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				return
			}

			peersMu.Lock()
			peers = append(peers, bot.nickname)
			peersMu.Unlock()

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s in %s", id, bot.nickname, bot.room)
			}

			bot.Run(stop, flags.duration, flags.minDelay, flags.maxDelay, shutdownDelay, rooms, peerSnapshot(bot.nickname))
		}(i, shutdownDelay)

		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)
	stopAll()

	sent, failed, received, connErrors, avgUs := stats.snapshot()
	rate := float64(sent) / flags.duration.Seconds()

	avgDelay := (flags.minDelay + flags.maxDelay) / 2
	var expectedTotal float64
	if avgDelay > 0 {
		expectedTotal = float64(flags.duration) / float64(avgDelay) * float64(flags.clients)
	}

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", flags.duration)
	log.Printf("Frames sent: %d (%.1f/s)", sent, rate)
	log.Printf("Frames received: %d", received)
	log.Printf("Room echoes: %d", stats.echoes.Load())
	log.Printf("Failures: %d", failed)
	log.Printf("  - Echo timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Server errors: %d", stats.serverErrors.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average echo latency: %.2fms", avgUs/1000.0)
	if expectedTotal > 0 {
		log.Printf("Expected throughput: %.0f frames, actual %.1f%%", expectedTotal, float64(sent)/expectedTotal*100)
	}
}
