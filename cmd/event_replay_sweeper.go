package main

import (
	"context"
	"log"
	"time"

	"golang.org/x/exp/rand"
)

const eventReplayTimeout = time.Minute

type failedEventReplayer interface {
	ReplayFailed(ctx context.Context, maxAttempts, limit int) (replayed, failed int, err error)
}

// startEventReplaySweeper retries failed processor events. Each wait gets up
// to 20% jitter so several instances do not sweep in lockstep.
func startEventReplaySweeper(ctx context.Context, svc failedEventReplayer, interval time.Duration, maxAttempts, batch int, infoLog, errorLog *log.Logger) {
	if svc == nil || interval <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(uint64(time.Now().UnixNano())))

	go func() {
		for {
			wait := interval + time.Duration(rng.Int63n(int64(interval)/5+1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			runCtx, cancel := context.WithTimeout(ctx, eventReplayTimeout)
			replayed, failed, err := svc.ReplayFailed(runCtx, maxAttempts, batch)
			cancel()
			if err != nil {
				errorLog.Printf("event sweeper: replay failed: %v", err)
				continue
			}
			if replayed > 0 || failed > 0 {
				infoLog.Printf("event sweeper: replayed %d events, %d still failing", replayed, failed)
			}
		}
	}()
}
