package classify

import (
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	clock *fakeClock
	f     func()
	armed bool
}

func (t *fakeTimer) Stop() bool {
	armed := t.armed
	t.armed = false
	return armed
}

func (t *fakeTimer) Reset(time.Duration) bool {
	armed := t.armed
	t.armed = true
	return armed
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, f: f, armed: true}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) fire() {
	c.mu.Lock()
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range timers {
		if t.armed {
			t.armed = false
			t.f()
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestClassifier() (*Classifier, *recorder, *fakeClock) {
	rec := &recorder{}
	clock := &fakeClock{}
	c := New(10000, 3*time.Second, clock, rec.record)
	return c, rec, clock
}

func TestActivityAlwaysFirst(t *testing.T) {
	c, rec, _ := newTestClassifier()
	c.Feed([]byte("plain output with nothing special"))

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("events = %v, want activity only", events)
	}
	if events[0].Type != EventActivity {
		t.Fatalf("first event = %s, want activity", events[0].Type)
	}
}

func TestConfirmationPrompt(t *testing.T) {
	c, rec, _ := newTestClassifier()
	c.Feed([]byte("Do you want to proceed? (y/n)"))

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %v, want activity + input_required", events)
	}
	got := events[1]
	if got.Type != EventInputRequired || got.InputKind != InputConfirmation {
		t.Fatalf("event = %+v", got)
	}
	if got.Question != "Do you want to proceed? (y/n)" {
		t.Fatalf("question = %q", got.Question)
	}
	if len(got.Options) != 0 {
		t.Fatalf("options = %v, want none", got.Options)
	}
}

func TestContextExhaustedDominatesWorking(t *testing.T) {
	c, rec, _ := newTestClassifier()
	c.Feed([]byte("... Thinking ... conversation is too long ..."))

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %v, want exactly activity + one classification", events)
	}
	if events[1].Type != EventContextExhausted {
		t.Fatalf("event = %s, want context_exhausted", events[1].Type)
	}
	if events[1].Window == "" {
		t.Fatal("context_exhausted should carry the rolling window")
	}
}

func TestWorkingDominatesInput(t *testing.T) {
	c, rec, _ := newTestClassifier()
	c.Feed([]byte("Running tests... continue? (y/n)"))

	events := rec.all()
	if len(events) != 2 || events[1].Type != EventWorking {
		t.Fatalf("events = %v, want working", events)
	}
}

func TestSpinnerIsWorking(t *testing.T) {
	c, rec, _ := newTestClassifier()
	c.Feed([]byte("⠹ crunching"))

	events := rec.all()
	if len(events) != 2 || events[1].Type != EventWorking {
		t.Fatalf("events = %v, want working", events)
	}
}

func TestSelectionWithOptions(t *testing.T) {
	c, rec, _ := newTestClassifier()
	c.Feed([]byte("Choose an option:\n[1] keep going\n[2] stop here\n"))

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	got := events[1]
	if got.Type != EventInputRequired || got.InputKind != InputSelection {
		t.Fatalf("event = %+v", got)
	}
	if len(got.Options) != 2 || got.Options[0] != "keep going" || got.Options[1] != "stop here" {
		t.Fatalf("options = %v", got.Options)
	}
}

func TestOpenQuestion(t *testing.T) {
	c, rec, _ := newTestClassifier()
	c.Feed([]byte("Some context here.\nWhat file should I edit next?\n"))

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	got := events[1]
	if got.Type != EventInputRequired || got.InputKind != InputOpenQuestion {
		t.Fatalf("event = %+v", got)
	}
	if got.Question != "What file should I edit next?" {
		t.Fatalf("question = %q", got.Question)
	}
}

func TestIdleTimerFires(t *testing.T) {
	c, rec, clock := newTestClassifier()
	c.Feed([]byte("output"))
	clock.fire()

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if events[1].Type != EventPossiblyIdle {
		t.Fatalf("event = %s, want possibly_idle", events[1].Type)
	}
}

func TestStopSuppressesIdle(t *testing.T) {
	c, rec, clock := newTestClassifier()
	c.Feed([]byte("output"))
	c.Stop()
	clock.fire()

	for _, e := range rec.all() {
		if e.Type == EventPossiblyIdle {
			t.Fatal("possibly_idle fired after Stop")
		}
	}
}

func TestReentryRefiresSameEvent(t *testing.T) {
	c, rec, _ := newTestClassifier()
	c.Feed([]byte("Do you want to proceed? (y/n)"))
	c.Feed([]byte("Do you want to proceed? (y/n)"))

	count := 0
	for _, e := range rec.all() {
		if e.Type == EventInputRequired {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("input_required count = %d, want 2", count)
	}
}

func TestANSIStrippedBeforeClassification(t *testing.T) {
	c, rec, _ := newTestClassifier()
	c.Feed([]byte("\x1b[31mDo you want to proceed?\x1b[0m (y/n)"))

	events := rec.all()
	if len(events) != 2 || events[1].Type != EventInputRequired {
		t.Fatalf("events = %v", events)
	}
}

func TestRollingWindowBounded(t *testing.T) {
	rec := &recorder{}
	c := New(64, 3*time.Second, &fakeClock{}, rec.record)
	for i := 0; i < 10; i++ {
		c.Feed(make([]byte, 50))
	}
	c.mu.Lock()
	size := len(c.window)
	c.mu.Unlock()
	if size > 64 {
		t.Fatalf("window = %d bytes, want <= 64", size)
	}
}
