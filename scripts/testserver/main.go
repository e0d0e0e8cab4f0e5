// Webhook receiver for local testing. Verifies signatures when a secret is
// given, counts duplicate deliveries, and can be told to fail the first N
// attempts of every delivery to exercise the retry and breaker paths.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanibalsk/geohook/internal/signature"
)

var (
	requestCount   uint64
	successCount   uint64
	failureCount   uint64
	duplicateCount uint64
	badSignatures  uint64
)

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	secret := flag.String("secret", "", "webhook secret; verifies X-Geohook-Signature when set")
	fail := flag.Bool("fail", false, "return 500 errors")
	failFirst := flag.Int("fail-first", 0, "fail the first N attempts of each delivery")
	failRate := flag.Float64("fail-rate", 0, "random failure rate (0.0-1.0)")
	latency := flag.Int("latency", 100, "average response latency in ms")
	jitter := flag.Int("jitter", 20, "latency jitter in ms (+/-)")
	quiet := flag.Bool("quiet", false, "suppress per-request logging")
	flag.Parse()

	var mu sync.Mutex
	attempts := make(map[string]int) // delivery id -> attempts seen here

	// Stats reporter
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			total := atomic.LoadUint64(&requestCount)
			success := atomic.LoadUint64(&successCount)
			failures := atomic.LoadUint64(&failureCount)
			dupes := atomic.LoadUint64(&duplicateCount)
			badSigs := atomic.LoadUint64(&badSignatures)
			if total > 0 {
				fmt.Printf("[STATS] Total: %d | Success: %d | Failures: %d | Duplicates: %d | Bad signatures: %d | Rate: %.1f req/s\n",
					total, success, failures, dupes, badSigs, float64(total)/5.0)
				atomic.StoreUint64(&requestCount, 0)
				atomic.StoreUint64(&successCount, 0)
				atomic.StoreUint64(&failureCount, 0)
			}
		}
	}()

	http.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddUint64(&requestCount, 1)

		// Simulate realistic latency (~100ms average)
		delay := time.Duration(*latency) * time.Millisecond
		if *jitter > 0 {
			jitterMs := rand.Intn(*jitter*2) - *jitter
			delay += time.Duration(jitterMs) * time.Millisecond
		}
		time.Sleep(delay)

		body, _ := io.ReadAll(r.Body)

		deliveryID := r.Header.Get("X-Geohook-Delivery")
		eventID := r.Header.Get("X-Geohook-Event")
		eventType := r.Header.Get("X-Geohook-Event-Type")

		mu.Lock()
		attempts[deliveryID]++
		seen := attempts[deliveryID]
		mu.Unlock()
		if seen > 1 {
			atomic.AddUint64(&duplicateCount, 1)
		}

		if *secret != "" {
			if !signature.Verify(*secret, body, r.Header.Get("X-Geohook-Signature")) {
				atomic.AddUint64(&badSignatures, 1)
				fmt.Printf("[SIG] verification FAILED | Delivery: %s | Event: %s\n", deliveryID, eventID)
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte("bad signature"))
				return
			}
		}

		shouldFail := *fail ||
			(*failFirst > 0 && seen <= *failFirst) ||
			(*failRate > 0 && rand.Float64() < *failRate)

		if !*quiet {
			fmt.Printf("[REQ] Delivery: %s | Event: %s | Type: %s | Attempt here: %d | Latency: %v | Fail: %v\n",
				deliveryID, eventID, eventType, seen, delay, shouldFail)
			if len(body) > 0 && len(body) < 300 {
				fmt.Printf("      Body: %s\n", string(body))
			}
		}

		if shouldFail {
			atomic.AddUint64(&failureCount, 1)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("simulated failure"))
		} else {
			atomic.AddUint64(&successCount, 1)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		}
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("Webhook receiver listening on %s\n", addr)
	fmt.Printf("  Latency: %dms (+/- %dms)\n", *latency, *jitter)
	fmt.Printf("  Fail mode: %v | Fail first: %d | Fail rate: %.1f%%\n", *fail, *failFirst, *failRate*100)
	fmt.Printf("  Signature verification: %v\n", *secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}
