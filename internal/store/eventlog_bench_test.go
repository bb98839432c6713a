package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/rendis/agentpipe/pkg/schema"
)

func newBenchStore(b *testing.B) (*LibSQLStore, *EventLog) {
	b.Helper()
	dir := b.TempDir()
	s, err := NewLibSQLStore("file:" + dir + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s, NewEventLog(s)
}

func BenchmarkEventAppend_Sequential(b *testing.B) {
	_, el := newBenchStore(b)
	execID := uuid.NewString()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		el.AppendEvent(ctx, &schema.Event{
			ExecutionID: execID,
			StepID:      "s1",
			Type:        schema.EventStepStarted,
		})
	}
}

func BenchmarkEventAppend_Concurrent(b *testing.B) {
	for _, writers := range []int{10, 50} {
		b.Run(fmt.Sprintf("writers=%d", writers), func(b *testing.B) {
			_, el := newBenchStore(b)
			ctx := context.Background()

			b.ResetTimer()
			var wg sync.WaitGroup
			perWriter := max(b.N/writers, 1)
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(execID string) {
					defer wg.Done()
					for j := 0; j < perWriter; j++ {
						el.AppendEvent(ctx, &schema.Event{
							ExecutionID: execID,
							StepID:      fmt.Sprintf("s%d", j%10),
							Type:        schema.EventStepStarted,
						})
					}
				}(uuid.NewString())
			}
			wg.Wait()
		})
	}
}

func BenchmarkEventReplay(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("events=%d", count), func(b *testing.B) {
			_, el := newBenchStore(b)
			execID := uuid.NewString()
			ctx := context.Background()

			for i := 0; i < count; i++ {
				typ := schema.EventStepStarted
				if i%2 == 1 {
					typ = schema.EventStepSucceeded
				}
				el.AppendEvent(ctx, &schema.Event{
					ExecutionID: execID,
					StepID:      fmt.Sprintf("s%d", i%10),
					Type:        typ,
				})
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				el.Replay(ctx, execID)
			}
		})
	}
}
