package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gigchat/internal/auth"
	"gigchat/internal/config"
	"gigchat/internal/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type stats struct {
	sent      atomic.Int64
	acked     atomic.Int64
	received  atomic.Int64
	failures  atomic.Int64
	ackMicros atomic.Int64
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base URL")
	secret := flag.String("secret", os.Getenv("GIGCHAT_JWT_SECRET"), "JWT secret shared with the server")
	issuer := flag.String("issuer", os.Getenv("GIGCHAT_JWT_ISSUER"), "JWT issuer")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	msgs := flag.Int("messages", 20, "messages per user")
	pause := flag.Duration("pause", 10*time.Millisecond, "pause between messages")
	flag.Parse()

	log, err := logger.New(config.Log{Level: "info", Development: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if *secret == "" {
		log.Fatal("jwt secret is required (-secret or GIGCHAT_JWT_SECRET)")
	}
	issuerSvc := auth.NewService(*secret, *issuer)
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws"

	log.Info("starting load test", zap.Int("users", *pairs*2), zap.Int("messages_per_user", *msgs))
	start := time.Now()
	var st stats
	var wg sync.WaitGroup

	// User 0a talks to user 0b, 1a to 1b, and so on.
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(log, issuerSvc, *baseURL, wsURL, pairID, *msgs, *pause, &st)
		}(i)
	}
	wg.Wait()

	acked := st.acked.Load()
	var avgAck time.Duration
	if acked > 0 {
		avgAck = time.Duration(st.ackMicros.Load()/acked) * time.Microsecond
	}
	log.Info("load test complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("acked", acked),
		zap.Int64("received", st.received.Load()),
		zap.Int64("failures", st.failures.Load()),
		zap.Duration("avg_ack", avgAck))
}

func runPair(log *zap.Logger, issuer *auth.Service, baseURL, wsURL string, pairID, msgs int, pause time.Duration, st *stats) {
	userA := fmt.Sprintf("lt_%d_a", pairID)
	userB := fmt.Sprintf("lt_%d_b", pairID)

	tokenA, err := issuer.Issue(userA, auth.RoleUser, time.Hour)
	if err != nil {
		log.Error("issue token", zap.Error(err))
		st.failures.Add(1)
		return
	}
	tokenB, err := issuer.Issue(userB, auth.RoleUser, time.Hour)
	if err != nil {
		log.Error("issue token", zap.Error(err))
		st.failures.Add(1)
		return
	}

	if err := startConversation(baseURL, tokenA, userB); err != nil {
		log.Warn("start conversation failed", zap.String("user", userA), zap.Error(err))
		st.failures.Add(1)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go chat(log, &wg, wsURL, tokenA, userA, userB, msgs, pause, st)
	go chat(log, &wg, wsURL, tokenB, userB, userA, msgs, pause, st)
	wg.Wait()
}

func startConversation(baseURL, token, other string) error {
	body, _ := json.Marshal(map[string][]string{"participants": {other}})
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/conversations", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func chat(log *zap.Logger, wg *sync.WaitGroup, wsURL, token, user, peer string, msgs int, pause time.Duration, st *stats) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		log.Warn("websocket connect failed", zap.String("user", user), zap.Error(err))
		st.failures.Add(1)
		return
	}
	defer conn.Close()

	var (
		mu      sync.Mutex
		pending = make(map[string]time.Time)
		done    = make(chan struct{})
	)

	go func() {
		defer close(done)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case "message_sent":
				var ack struct {
					ClientID string `json:"clientId"`
				}
				if json.Unmarshal(f.Payload, &ack) == nil {
					mu.Lock()
					if at, ok := pending[ack.ClientID]; ok {
						st.ackMicros.Add(time.Since(at).Microseconds())
						delete(pending, ack.ClientID)
					}
					mu.Unlock()
				}
				st.acked.Add(1)
			case "new_message":
				st.received.Add(1)
			case "error":
				st.failures.Add(1)
			}
		}
	}()

	for i := 0; i < msgs; i++ {
		clientID := fmt.Sprintf("%s-%d", user, i)
		mu.Lock()
		pending[clientID] = time.Now()
		mu.Unlock()

		err := conn.WriteJSON(map[string]any{
			"type": "send_message",
			"payload": map[string]string{
				"recipient": peer,
				"content":   fmt.Sprintf("load test message %d from %s", i, user),
				"clientId":  clientID,
			},
		})
		if err != nil {
			log.Warn("send failed", zap.String("user", user), zap.Error(err))
			st.failures.Add(1)
			break
		}
		st.sent.Add(1)
		time.Sleep(pause)
	}

	// Give the last acks a moment before hanging up.
	time.Sleep(time.Second)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}
