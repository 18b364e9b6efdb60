package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/models"
)

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

type settings struct {
	baseURL        string
	users          int
	chats          int
	opsPerSec      int
	simulationTime time.Duration
	batchSize      int
	writeRatio     float64
}

var (
	cfg        settings
	httpClient = &http.Client{Timeout: 5 * time.Second}
)

func parseFlags() {
	flag.StringVar(&cfg.baseURL, "url", "http://localhost:8000", "server base URL")
	flag.IntVar(&cfg.users, "users", 500, "number of simulated users")
	flag.IntVar(&cfg.chats, "chats", 20, "number of group chats to spread users across")
	flag.IntVar(&cfg.opsPerSec, "rate", 1, "operations per second per user")
	flag.DurationVar(&cfg.simulationTime, "duration", 60*time.Second, "simulation time")
	flag.IntVar(&cfg.batchSize, "batch", 50, "users registered per parallel batch")
	flag.Float64Var(&cfg.writeRatio, "writes", 0.5, "share of operations that are live sends")
	flag.Parse()
}

func postJSON(path, token string, body, out interface{}) (int, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, cfg.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func registerUser(name string) (*User, error) {
	var result struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	status, err := postJSON("/api/auth/signup", "", models.CredentialsRequest{
		Username: name,
		Password: "testpass123",
	}, &result)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("registration failed with status: %d", status)
	}

	result.User.Token = result.Token
	return &result.User, nil
}

func createGroupChat(id int, admin *User, memberIDs []int64) (int64, error) {
	var chat models.Chat
	status, err := postJSON("/api/chats/group", admin.Token, models.CreateGroupRequest{
		Name:      fmt.Sprintf("LoadTest Chat %d", id),
		MemberIDs: memberIDs,
	}, &chat)
	if err != nil {
		return 0, err
	}
	if status != http.StatusCreated {
		return 0, fmt.Errorf("group creation failed with status: %d", status)
	}
	return chat.ID, nil
}

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

type Stats struct {
	sync.Mutex
	totalRequests     int64
	successRequests   int64
	failedRequests    int64
	totalLatency      time.Duration
	maxLatency        time.Duration
	minLatency        time.Duration
	requestsPerSecond float64
	writeLatencies    []time.Duration
	readLatencies     []time.Duration
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func (s *Stats) calculateStats(duration time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.requestsPerSecond = float64(s.totalRequests) / duration.Seconds()
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *Stats) p99(opType OperationType) time.Duration {
	s.Lock()
	defer s.Unlock()
	if opType == WriteOperation {
		return percentile(s.writeLatencies, 0.99)
	}
	return percentile(s.readLatencies, 0.99)
}

// liveSession is one user's websocket. Writes are timed from send until
// the server echoes the message back to its sender through the room.
type liveSession struct {
	user    *User
	conn    *websocket.Conn
	chatID  int64
	mu      sync.Mutex
	pending map[string]time.Time
	stats   *Stats
	joined  chan struct{}
	closed  chan struct{}
}

func dialSession(user *User, chatID int64, stats *Stats) (*liveSession, error) {
	u, err := url.Parse(cfg.baseURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = "token=" + url.QueryEscape(user.Token)

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	s := &liveSession{
		user:    user,
		conn:    conn,
		chatID:  chatID,
		pending: make(map[string]time.Time),
		stats:   stats,
		joined:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go s.readLoop()

	if err := s.write(models.EventJoinChat, models.ChatRef{ChatID: chatID}); err != nil {
		conn.Close()
		return nil, err
	}
	select {
	case <-s.joined:
	case <-time.After(5 * time.Second):
		conn.Close()
		return nil, fmt.Errorf("timed out joining chat %d", chatID)
	}
	return s, nil
}

func (s *liveSession) write(eventType string, payload interface{}) error {
	data, err := models.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *liveSession) readLoop() {
	defer close(s.closed)
	for {
		var event models.WebSocketMessage
		if err := s.conn.ReadJSON(&event); err != nil {
			return
		}

		switch event.Type {
		case models.EventJoined:
			close(s.joined)
		case models.EventReceiveMessage:
			var msg models.Message
			if err := json.Unmarshal(event.Payload, &msg); err != nil || msg.SenderID != s.user.ID {
				continue
			}
			s.mu.Lock()
			sent, ok := s.pending[msg.Text]
			delete(s.pending, msg.Text)
			s.mu.Unlock()
			if ok {
				s.stats.recordSuccess(time.Since(sent), WriteOperation)
			}
		case models.EventError:
			log.Printf("Server error for user %d: %s", s.user.ID, event.Payload)
			s.stats.recordError()
		}
	}
}

func (s *liveSession) send(seq int) {
	text := fmt.Sprintf("Test message %d from user %d", seq, s.user.ID)
	s.mu.Lock()
	s.pending[text] = time.Now()
	s.mu.Unlock()

	if err := s.write(models.EventSendMessage, models.SendMessagePayload{
		ChatID:   s.chatID,
		SenderID: s.user.ID,
		Text:     text,
	}); err != nil {
		s.mu.Lock()
		delete(s.pending, text)
		s.mu.Unlock()
		s.stats.recordError()
		log.Printf("Error sending message: %v", err)
	}
}

func (s *liveSession) readHistory() {
	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/api/chats/group/fetch/%d", cfg.baseURL, s.chatID), nil)
	if err != nil {
		s.stats.recordError()
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.user.Token)

	start := time.Now()
	resp, err := httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		s.stats.recordError()
		log.Printf("Error reading messages: %v", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.stats.recordError()
		log.Printf("Error response: %d", resp.StatusCode)
		return
	}
	s.stats.recordSuccess(duration, ReadOperation)
}

func simulateUser(user *User, chatIDs []int64, wg *sync.WaitGroup, stats *Stats) {
	defer wg.Done()

	session, err := dialSession(user, chatIDs[rand.Intn(len(chatIDs))], stats)
	if err != nil {
		stats.recordError()
		log.Printf("User %d could not go live: %v", user.ID, err)
		return
	}
	defer session.conn.Close()

	ticker := time.NewTicker(time.Second / time.Duration(cfg.opsPerSec))
	defer ticker.Stop()

	endTime := time.Now().Add(cfg.simulationTime)
	for seq := 0; time.Now().Before(endTime); seq++ {
		select {
		case <-ticker.C:
		case <-session.closed:
			log.Printf("Connection closed for user %d", user.ID)
			return
		}

		if rand.Float64() < cfg.writeRatio {
			session.send(seq)
		} else {
			session.readHistory()
		}
	}

	// Give in-flight echoes a moment to arrive.
	time.Sleep(time.Second)
	session.mu.Lock()
	lost := len(session.pending)
	session.mu.Unlock()
	for i := 0; i < lost; i++ {
		stats.recordError()
	}
}

func registerUsers(prefix string) ([]*User, int) {
	users := make([]*User, cfg.users)
	var wg sync.WaitGroup
	errChan := make(chan error, cfg.users)

	for i := 0; i < cfg.users; i += cfg.batchSize {
		end := i + cfg.batchSize
		if end > cfg.users {
			end = cfg.users
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for j := start; j < end; j++ {
				user, err := registerUser(fmt.Sprintf("%s_user_%d", prefix, j))
				if err != nil {
					errChan <- fmt.Errorf("failed to register user %d: %v", j, err)
					continue
				}
				users[j] = user
			}
		}(i, end)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	errorCount := 0
	for err := range errChan {
		errorCount++
		if errorCount <= 10 {
			log.Printf("Error: %v", err)
		}
	}
	return users, errorCount
}

func main() {
	parseFlags()
	if cfg.opsPerSec <= 0 || cfg.users <= 0 || cfg.chats <= 0 || cfg.batchSize <= 0 {
		log.Fatalf("users, chats, rate and batch must be positive")
	}

	log.Printf("Starting load test with %d users across %d chats, %d ops per second per user, for %v",
		cfg.users, cfg.chats, cfg.opsPerSec, cfg.simulationTime)
	log.Printf("IMPORTANT: Make sure to start the server with the -loadtest flag:")
	log.Printf("  go run ./cmd/server -loadtest")
	log.Printf("This will use a separate database for load testing.")

	// Usernames are unique per run so the tool can be pointed at the same database twice.
	prefix := fmt.Sprintf("lt%d", time.Now().Unix())

	admin, err := registerUser(prefix + "_admin")
	if err != nil {
		log.Fatalf("Failed to register admin user: %v", err)
	}
	log.Printf("Admin user registered successfully")

	startTime := time.Now()
	users, errorCount := registerUsers(prefix)
	registrationDuration := time.Since(startTime)
	log.Printf("User registration completed in %v (%.2f users/sec)",
		registrationDuration, float64(cfg.users)/registrationDuration.Seconds())
	if errorCount > 0 {
		log.Printf("Warning: %d users failed to register", errorCount)
	}

	memberIDs := make([]int64, 0, len(users))
	for _, user := range users {
		if user != nil {
			memberIDs = append(memberIDs, user.ID)
		}
	}
	log.Printf("Successfully registered %d/%d users", len(memberIDs), cfg.users)
	if len(memberIDs) < cfg.users/2 {
		log.Fatalf("Too many registration failures, aborting load test")
	}

	log.Printf("Creating %d group chats...", cfg.chats)
	chatIDs := make([]int64, 0, cfg.chats)
	for i := 0; i < cfg.chats; i++ {
		chatID, err := createGroupChat(i, admin, memberIDs)
		if err != nil {
			log.Printf("Warning: failed to create chat %d: %v", i, err)
			continue
		}
		chatIDs = append(chatIDs, chatID)
	}
	if len(chatIDs) == 0 {
		log.Fatalf("No group chats could be created, aborting load test")
	}

	expectedOps := len(memberIDs) * cfg.opsPerSec * int(cfg.simulationTime.Seconds())
	stats := &Stats{
		writeLatencies: make([]time.Duration, 0, expectedOps/2),
		readLatencies:  make([]time.Duration, 0, expectedOps/2),
	}

	var loadTestWg sync.WaitGroup
	start := time.Now()
	for _, user := range users {
		if user != nil {
			loadTestWg.Add(1)
			go simulateUser(user, chatIDs, &loadTestWg, stats)
		}
	}
	loadTestWg.Wait()
	duration := time.Since(start)

	stats.calculateStats(duration)

	log.Printf("Load Test Results:")
	log.Printf("Total Requests: %d", stats.totalRequests)
	log.Printf("Successful Requests: %d", stats.successRequests)
	log.Printf("Failed Requests: %d", stats.failedRequests)
	if stats.successRequests > 0 {
		log.Printf("Average Latency: %v", stats.totalLatency/time.Duration(stats.successRequests))
	}
	log.Printf("Min Latency: %v", stats.minLatency)
	log.Printf("Max Latency: %v", stats.maxLatency)
	log.Printf("P99 Write (send to echo) Latency: %v", stats.p99(WriteOperation))
	log.Printf("P99 Read (history) Latency: %v", stats.p99(ReadOperation))
	log.Printf("Requests per Second: %.2f", stats.requestsPerSecond)
	log.Printf("Total Duration: %v", duration)
}
