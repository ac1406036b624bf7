// recoveryd Notification Receiver Example
//
// A minimal endpoint that receives and verifies recoveryd guardian
// notifications.
//
// Usage:
//   export RECOVERYD_NOTIFY_SECRET="your_shared_secret"
//   go run main.go
//
// Then set NOTIFY_WEBHOOK_URL=http://your-server:9000/notify on recoveryd.

package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

const replayWindow = 5 * time.Minute

// Event is the notification payload.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	AccountID  string         `json:"account_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Recipients []string       `json:"recipients"`
	Data       map[string]any `json:"data"`
}

func main() {
	secret := os.Getenv("RECOVERYD_NOTIFY_SECRET")
	if secret == "" {
		log.Fatal("RECOVERYD_NOTIFY_SECRET environment variable is required")
	}

	http.HandleFunc("/notify", notifyHandler(secret))
	http.HandleFunc("/health", healthHandler)

	log.Println("Starting notification receiver on :9000")
	log.Fatal(http.ListenAndServe(":9000", nil))
}

func notifyHandler(secret string) http.HandlerFunc {
	var mu sync.Mutex
	seen := make(map[string]struct{})

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		signature := r.Header.Get("X-Recovery-Signature")
		timestamp := r.Header.Get("X-Recovery-Timestamp")
		if signature == "" || timestamp == "" {
			http.Error(w, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifySignature(secret, signature, timestamp, body) {
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}

		var event Event
		if err := json.Unmarshal(body, &event); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		// Deliveries are at-least-once; dedupe on the event id.
		mu.Lock()
		_, dup := seen[event.ID]
		seen[event.ID] = struct{}{}
		mu.Unlock()
		if dup {
			w.WriteHeader(http.StatusOK)
			return
		}

		log.Printf("received %s for account %s", event.Type, event.AccountID)
		for _, to := range event.Recipients {
			log.Printf("  notify guardian %s", to)
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "received"})
	}
}

// verifySignature checks the hex HMAC-SHA256 of "{timestamp}.{body}".
func verifySignature(secret, signature, timestamp string, body []byte) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(ts, 0))
	if age > replayWindow || age < -replayWindow {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
