package events_test

import (
	"testing"

	"github.com/cosmoweb3/cosmodb/foundation/events"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func Test_Events(t *testing.T) {
	t.Log("Given the need to fan events out to receivers.")
	{
		evts := events.New()

		a := evts.Acquire("a")
		b := evts.Acquire("b")

		evts.Send("shard: Insert: collection[widgets]")

		for _, ch := range []<-chan string{a, b} {
			if msg := <-ch; msg != "shard: Insert: collection[widgets]" {
				t.Fatalf("\t%s\tShould deliver to every receiver, got %q.", failed, msg)
			}
		}
		t.Logf("\t%s\tShould deliver to every receiver.", success)

		if err := evts.Release("a"); err != nil {
			t.Fatalf("\t%s\tShould release a receiver: %v", failed, err)
		}
		if err := evts.Release("a"); err == nil {
			t.Fatalf("\t%s\tShould fail to release twice.", failed)
		}
		t.Logf("\t%s\tShould release a receiver once.", success)

		for i := 0; i < 500; i++ {
			evts.Send("flood")
		}
		t.Logf("\t%s\tShould not block on a slow receiver.", success)

		evts.Shutdown()
		for range b {
		}
		if evts.Count() != 0 {
			t.Fatalf("\t%s\tShould remove every receiver on shutdown.", failed)
		}
		t.Logf("\t%s\tShould close every receiver on shutdown.", success)
	}
}
