package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Record) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting a record and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(HubConfig{
		BufferSize:      4,
		MaxBatchRecords: 1,
		MaxBatchWait:    time.Second,
	}, sink)

	hub.Emit(Record{
		SessionID:  uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		TS:         time.Unix(0, 0),
		Stage:      StageSessionStart,
		UserEmail:  "ops@example.com",
		MaxResults: 10,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("records forwarded: %d\n", sink.total)
	// Output:
	// records forwarded: 1
}

// ExampleMachine_Apply walks a one-email job through the state machine.
func ExampleMachine_Apply() {
	m := NewMachine()
	m.Begin()
	for _, evt := range []Event{
		FetchedEvent{Count: 1},
		ProcessingEvent{Subject: "Invoice Q1", Current: 1, Total: 1},
		ClassifiedEvent{Department: "Finance", Recipients: []string{"fin@co.com"}},
		ReplyingEvent{},
		RepliedEvent{},
		EmailCompleteEvent{Current: 1, Total: 1},
		CompleteEvent{Processed: 1},
	} {
		m.Apply(evt)
		s := m.Session()
		fmt.Printf("%-14s %-11s %5.1f%%\n", evt.Kind(), s.Status, s.Percent)
	}
	// Output:
	// fetched        classifying  25.0%
	// processing     classifying  25.0%
	// classified     classifying  50.0%
	// replying       sending      75.0%
	// replied        sending      75.0%
	// email_complete sending      95.0%
	// complete       complete    100.0%
}
