package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ripixel/stridesync-server/pkg/bootstrap"
	"github.com/ripixel/stridesync-server/pkg/sync"
	"github.com/ripixel/stridesync-server/pkg/types"
)

// sync-debug runs a full sync locally, chunk by chunk, against real
// Firestore and Strava. The chunk loop lives here: production triggers
// hand continuation to Pub/Sub instead.
func main() {
	userID := flag.String("user", "", "User ID to sync")
	sessionID := flag.String("session", "", "Existing session ID to resume (optional)")
	days := flag.Int("days", 0, "Sync window in days back from now (0 = all time)")
	after := flag.Int64("after", 0, "Window start as unix seconds (overrides -days)")
	before := flag.Int64("before", 0, "Window end as unix seconds")
	maxChunks := flag.Int("max-chunks", 100, "Safety cap on chunk iterations")
	flag.Parse()

	if *userID == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Local env first, real environment wins
	_ = godotenv.Load()

	ctx := context.Background()
	svc, err := bootstrap.NewService(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}

	logger := bootstrap.NewLogger("sync-debug").With("user_id", *userID)
	runner := sync.NewRunner(svc, svc.Notify)

	var result *sync.ChunkResult
	if *sessionID != "" {
		// Naming a session on the command line is an explicit resume,
		// so a failed session re-enters at its saved cursor.
		result, err = runner.Resume(ctx, logger, *userID, *sessionID)
	} else {
		var window *types.SyncWindow
		switch {
		case *after > 0:
			window = &types.SyncWindow{After: *after, Before: *before}
		case *days > 0:
			window = &types.SyncWindow{RelativeDays: *days}
		}
		result, err = runner.Start(ctx, logger, *userID, window)
	}
	if err != nil {
		log.Fatalf("Chunk failed: %v", err)
	}

	for i := 1; !result.Done && i < *maxChunks; i++ {
		fmt.Printf("chunk %d done, cursor advanced (pages_done=%d), continuing...\n",
			i, result.Session.PagesDone)
		time.Sleep(200 * time.Millisecond) // stay polite to the upstream API
		result, err = runner.RunChunk(ctx, logger, *userID, result.Session.SessionID)
		if err != nil {
			log.Fatalf("Chunk failed: %v", err)
		}
	}

	out, _ := json.MarshalIndent(map[string]interface{}{
		"session_id": result.Session.SessionID,
		"status":     result.Session.Status,
		"pages_done": result.Session.PagesDone,
		"counters":   result.Session.Counters,
	}, "", "  ")
	fmt.Println(string(out))
}
