// WebSocket load testing tool for RoomRelay. It creates accounts and a room
// through the REST API, then has every connection join the room and chat.
// Usage: go run test/loadtest/ws-loadtest.go -url http://127.0.0.1:8080 -conns 100 -duration 60s
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

var client = &http.Client{Timeout: 10 * time.Second}

func call(method, url, token string, body any) (map[string]any, int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, 0, err
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out := map[string]any{}
	json.NewDecoder(resp.Body).Decode(&out)
	return out, resp.StatusCode, nil
}

// login signs up (ignoring "already registered") and returns a token.
func login(base, email string) (string, error) {
	creds := map[string]string{"email": email, "password": "loadtest-pw", "name": email}
	if _, code, err := call(http.MethodPost, base+"/api/v1/auth/signup", "", creds); err != nil {
		return "", err
	} else if code != http.StatusCreated && code != http.StatusConflict {
		return "", fmt.Errorf("signup %s: status %d", email, code)
	}
	out, code, err := call(http.MethodPost, base+"/api/v1/auth/signin", "", creds)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("signin %s: status %d", email, code)
	}
	token, _ := out["token"].(string)
	return token, nil
}

func main() {
	base := flag.String("url", "http://127.0.0.1:8080", "Relay base URL")
	conns := flag.Int("conns", 10, "Number of concurrent connections")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	msgInterval := flag.Duration("interval", 1*time.Second, "Chat send interval per connection")
	prefix := flag.String("prefix", "loadtest", "Account and room name prefix")
	flag.Parse()

	fmt.Printf("RoomRelay Load Test\n")
	fmt.Printf("  URL:          %s\n", *base)
	fmt.Printf("  Connections:  %d\n", *conns)
	fmt.Printf("  Duration:     %s\n", *duration)
	fmt.Printf("  Msg interval: %s\n", *msgInterval)
	fmt.Println()

	// Accounts and a shared room.
	tokens := make([]string, *conns)
	for i := range tokens {
		tok, err := login(*base, fmt.Sprintf("%s-%d@example.com", *prefix, i))
		if err != nil {
			log.Fatalf("preparing accounts: %v", err)
		}
		tokens[i] = tok
	}
	slug := fmt.Sprintf("%s-%d", *prefix, time.Now().Unix())
	out, code, err := call(http.MethodPost, *base+"/api/v1/rooms", tokens[0], map[string]string{"slug": slug})
	if err != nil || code != http.StatusCreated {
		log.Fatalf("creating room: status %d err %v", code, err)
	}
	roomID := int64(out["room"].(map[string]any)["id"].(float64))
	for _, tok := range tokens[1:] {
		if _, code, err := call(http.MethodPost, fmt.Sprintf("%s/api/v1/rooms/%d/join", *base, roomID), tok, nil); err != nil || code != http.StatusCreated {
			log.Fatalf("joining room: status %d err %v", code, err)
		}
	}
	fmt.Printf("Prepared %d accounts in room %d (%s)\n\n", *conns, roomID, slug)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	var (
		connected    atomic.Int64
		sent         atomic.Int64
		received     atomic.Int64
		errorFrames  atomic.Int64
		errors       atomic.Int64
		connectFails atomic.Int64
	)

	wsBase := "ws" + strings.TrimPrefix(*base, "http")
	joinFrame := []byte(fmt.Sprintf(`{"type":"join_room","roomId":%d}`, roomID))

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			c, _, err := websocket.Dial(ctx, wsBase+"/?token="+tokens[id], nil)
			if err != nil {
				connectFails.Add(1)
				return
			}
			connected.Add(1)
			defer c.CloseNow()

			if err := c.Write(ctx, websocket.MessageText, joinFrame); err != nil {
				errors.Add(1)
				return
			}

			go func() {
				for {
					_, data, err := c.Read(ctx)
					if err != nil {
						return
					}
					var f struct {
						Type string `json:"type"`
					}
					json.Unmarshal(data, &f)
					switch f.Type {
					case "chat":
						received.Add(1)
					case "error":
						errorFrames.Add(1)
					}
				}
			}()

			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()

			msg := []byte(fmt.Sprintf(`{"type":"chat","roomId":%d,"message":"load from %d"}`, roomID, id))
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := c.Write(ctx, websocket.MessageText, msg); err != nil {
						errors.Add(1)
						return
					}
					sent.Add(1)
				}
			}
		}(i)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start).Round(time.Second)
				fmt.Printf("[%s] connected=%d sent=%d recv=%d error_frames=%d errors=%d connect_fails=%d\n",
					elapsed, connected.Load(), sent.Load(), received.Load(), errorFrames.Load(), errors.Load(), connectFails.Load())
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Connected:       %d / %d\n", connected.Load(), *conns)
	fmt.Printf("  Connect fails:   %d\n", connectFails.Load())
	fmt.Printf("  Chats sent:      %d\n", sent.Load())
	fmt.Printf("  Chats recv:      %d (ideal %d)\n", received.Load(), sent.Load()*int64(*conns-1))
	fmt.Printf("  Error frames:    %d\n", errorFrames.Load())
	fmt.Printf("  Errors:          %d\n", errors.Load())
	if elapsed.Seconds() > 0 {
		fmt.Printf("  Send rate:       %.1f msg/s\n", float64(sent.Load())/elapsed.Seconds())
		fmt.Printf("  Recv rate:       %.1f msg/s\n", float64(received.Load())/elapsed.Seconds())
	}

	if connectFails.Load() > 0 || errors.Load() > 0 {
		log.Fatal("Load test completed with errors")
	}
}
