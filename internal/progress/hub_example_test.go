package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// stepPrinter prints step completions as they are delivered.
type stepPrinter struct{}

func (stepPrinter) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case StageStepDone:
			fmt.Printf("%s done (%d bytes)\n", evt.Step, evt.Bytes)
		case StageRunDone:
			fmt.Println("import finished")
		}
	}
	return nil
}

func (stepPrinter) Close(context.Context) error {
	return nil
}

// ExampleHub shows a run being delivered as soon as it finishes.
func ExampleHub() {
	hub := NewHub(Config{FlushInterval: time.Hour}, stepPrinter{})
	run := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	ts := time.Unix(0, 0)

	hub.Emit(Event{RunID: run, TS: ts, Stage: StageRunStart, Organization: "acme"})
	hub.Emit(Event{RunID: run, TS: ts, Stage: StageStepDone, Step: "archiving", Bytes: 2048})
	hub.Emit(Event{RunID: run, TS: ts, Stage: StageStepDone, Step: "uploading", Bytes: 2048, StatusCode: 200})
	hub.Emit(Event{RunID: run, TS: ts, Stage: StageRunDone})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	// Output:
	// archiving done (2048 bytes)
	// uploading done (2048 bytes)
	// import finished
}
