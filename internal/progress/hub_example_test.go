package progress

import (
	"context"
	"fmt"
	"time"
)

type reasonCountingSink struct {
	reasons map[string]int
}

func (s *reasonCountingSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Stage == StageItemDropped {
			s.reasons[evt.Reason]++
		}
	}
	return nil
}

func (s *reasonCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting drop events and flushing via Close.
func ExampleHub_Emit() {
	sink := &reasonCountingSink{reasons: map[string]int{}}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(Event{TS: time.Unix(0, 0), Stage: StageItemDropped, Reason: "dns_exhausted"})
	hub.Emit(Event{TS: time.Unix(0, 0), Stage: StageItemDropped, Reason: "no_proxy"})
	hub.Emit(Event{TS: time.Unix(0, 0), Stage: StageItemDropped, Reason: "no_proxy"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("dns_exhausted=%d no_proxy=%d\n", sink.reasons["dns_exhausted"], sink.reasons["no_proxy"])
	// Output:
	// dns_exhausted=1 no_proxy=2
}
