package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"rentchat/internal/client"
	"rentchat/internal/models"
)

type loadUser struct {
	id           string
	api          *client.Client
	conversation string
}

var (
	numUsers       = flag.Int("users", 1000, "number of simulated users")
	messagesPerSec = flag.Int("rate", 1, "requests per second per user")
	simulationTime = flag.Duration("duration", 60*time.Second, "how long to run the simulation")
	baseURL        = flag.String("url", "http://localhost:8080", "server base URL")
	conversations  = flag.Int("conversations", 100, "group conversations to spread users across")
	batchSize      = flag.Int("batch", 100, "users registered per parallel batch")
)

func registerUser(ctx context.Context, id int) (*loadUser, error) {
	resp, err := client.New(*baseURL, "").Register(ctx, models.RegisterRequest{
		Email:     fmt.Sprintf("loadtest_%d_%d@example.com", time.Now().UnixNano(), id),
		Password:  "testpass123",
		FirstName: fmt.Sprintf("Load%d", id),
		LastName:  "Test",
		Avatar:    fmt.Sprintf("https://avatar.com/%d", id),
	})
	if err != nil {
		return nil, err
	}
	return &loadUser{id: resp.User.ID, api: client.New(*baseURL, resp.Token)}, nil
}

func registerUsers(ctx context.Context) []*loadUser {
	users := make([]*loadUser, *numUsers)
	var wg sync.WaitGroup
	errChan := make(chan error, *numUsers)

	for i := 0; i < *numUsers; i += *batchSize {
		end := i + *batchSize
		if end > *numUsers {
			end = *numUsers
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for j := start; j < end; j++ {
				u, err := registerUser(ctx, j)
				if err != nil {
					errChan <- fmt.Errorf("failed to register user %d: %v", j, err)
					continue
				}
				users[j] = u
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
	if errorCount > 0 {
		log.Printf("Warning: %d users failed to register", errorCount)
	}

	registered := users[:0]
	for _, u := range users {
		if u != nil {
			registered = append(registered, u)
		}
	}
	return registered
}

// createConversations builds group conversations owned by admin and assigns
// each user to one of them round robin.
func createConversations(ctx context.Context, admin *loadUser, users []*loadUser) error {
	groups := make([][]*loadUser, *conversations)
	for i, u := range users {
		groups[i%len(groups)] = append(groups[i%len(groups)], u)
	}

	for i, members := range groups {
		if len(members) == 0 {
			continue
		}
		ids := make([]string, len(members))
		for j, m := range members {
			ids[j] = m.id
		}
		convID, err := admin.api.CreateConversation(ctx, ids, fmt.Sprintf("LoadTest Conversation %d", i), models.ConversationGroup)
		if err != nil {
			return fmt.Errorf("failed to create conversation %d: %v", i, err)
		}
		for _, m := range members {
			m.conversation = convID
		}
	}
	return nil
}

func simulateUser(ctx context.Context, user *loadUser, wg *sync.WaitGroup, stats *Stats) {
	defer wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(*messagesPerSec))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if rand.Float32() < 0.5 {
			text := fmt.Sprintf("Test message from user %s at %s", user.id, time.Now().Format(time.RFC3339))
			start := time.Now()
			if _, err := user.api.SendMessage(ctx, user.conversation, text, ""); err != nil {
				if ctx.Err() == nil {
					stats.recordError()
					log.Printf("Error sending message: %v", err)
				}
				continue
			}
			stats.recordSuccess(time.Since(start), WriteOperation)
		} else {
			start := time.Now()
			if _, err := user.api.GetMessages(ctx, user.conversation, 1); err != nil {
				if ctx.Err() == nil {
					stats.recordError()
					log.Printf("Error reading messages: %v", err)
				}
				continue
			}
			stats.recordSuccess(time.Since(start), ReadOperation)
		}
	}
}

func main() {
	flag.Parse()
	if *numUsers < 1 || *messagesPerSec < 1 || *conversations < 1 || *batchSize < 1 {
		log.Fatalf("users, rate, conversations and batch must be positive")
	}

	log.Printf("Starting load test with %d users, %d requests per second per user, for %v",
		*numUsers, *messagesPerSec, *simulationTime)
	log.Printf("IMPORTANT: start the server with -loadtest to use a separate database:")
	log.Printf("  go run ./cmd/server -loadtest")

	ctx := context.Background()
	admin, err := registerUser(ctx, -1)
	if err != nil {
		log.Fatalf("Failed to register admin user: %v", err)
	}

	startTime := time.Now()
	users := registerUsers(ctx)
	registrationDuration := time.Since(startTime)
	log.Printf("Registered %d/%d users in %v (%.2f users/sec)",
		len(users), *numUsers, registrationDuration, float64(len(users))/registrationDuration.Seconds())
	if len(users) < *numUsers/2 {
		log.Fatalf("Too many registration failures, aborting load test")
	}

	if err := createConversations(ctx, admin, users); err != nil {
		log.Fatalf("Failed to create conversations: %v", err)
	}
	log.Printf("Created conversations")

	runCtx, cancel := context.WithTimeout(ctx, *simulationTime)
	defer cancel()

	stats := &Stats{}
	var wg sync.WaitGroup
	start := time.Now()
	for _, u := range users {
		wg.Add(1)
		go simulateUser(runCtx, u, &wg, stats)
	}
	wg.Wait()
	duration := time.Since(start)

	log.Printf("Load Test Results:")
	log.Printf("Total Requests: %d", stats.totalRequests)
	log.Printf("Successful Requests: %d", stats.successRequests)
	log.Printf("Failed Requests: %d", stats.failedRequests)
	log.Printf("Average Latency: %v", stats.averageLatency())
	log.Printf("Min Latency: %v", stats.minLatency)
	log.Printf("Max Latency: %v", stats.maxLatency)
	log.Printf("P99 Write Latency: %v", stats.p99(WriteOperation))
	log.Printf("P99 Read Latency: %v", stats.p99(ReadOperation))
	log.Printf("Requests per Second: %.2f", stats.requestsPerSecond(duration))
	log.Printf("Total Duration: %v", duration)
}
