package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/careloop-health/careslot/libs/auth"
)

// Fires N concurrent patient booking requests at one slot and reports the
// outcome split. With capacity C, exactly C requests should return 201 and
// the rest 409 capacity_exhausted, whatever the interleaving.
func main() {
	var (
		baseURL  = flag.String("base-url", "http://localhost:8081", "scheduling service base url")
		slotID   = flag.String("slot-id", "", "target slot id")
		startMin = flag.Int("start-min", 0, "window start minute (multi-window slots)")
		endMin   = flag.Int("end-min", 0, "window end minute (multi-window slots)")
		workers  = flag.Int("workers", 50, "concurrent booking attempts")
		secret   = flag.String("jwt-secret", "dev-secret", "jwt signing secret")
	)
	flag.Parse()

	if *slotID == "" {
		log.Fatal("-slot-id is required")
	}

	type reqBody struct {
		SlotID string         `json:"slot_id"`
		Window map[string]int `json:"window,omitempty"`
	}
	body := reqBody{SlotID: *slotID}
	if *endMin > *startMin {
		body.Window = map[string]int{"start_min": *startMin, "end_min": *endMin}
	}

	var created, conflict, other atomic.Int64
	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			now := time.Now()
			token, err := auth.SignHS256(auth.Claims{
				Sub:  uuid.NewString(),
				Role: "patient",
				Iat:  now.Unix(),
				Exp:  now.Add(10 * time.Minute).Unix(),
			}, *secret)
			if err != nil {
				other.Add(1)
				return
			}

			raw, _ := json.Marshal(body)
			req, err := http.NewRequest(http.MethodPost, *baseURL+"/api/v1/bookings", bytes.NewReader(raw))
			if err != nil {
				other.Add(1)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+token)

			resp, err := client.Do(req)
			if err != nil {
				other.Add(1)
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusCreated:
				created.Add(1)
			case http.StatusConflict:
				conflict.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()

	fmt.Printf("workers=%d created=%d conflict=%d other=%d elapsed=%s\n",
		*workers, created.Load(), conflict.Load(), other.Load(), time.Since(start).Round(time.Millisecond))
}
