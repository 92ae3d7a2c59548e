package classify

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	EventActivity         EventType = "activity"
	EventWorking          EventType = "working"
	EventPossiblyIdle     EventType = "possibly_idle"
	EventInputRequired    EventType = "input_required"
	EventContextExhausted EventType = "context_exhausted"
)

type InputKind string

const (
	InputConfirmation InputKind = "confirmation"
	InputSelection    InputKind = "selection"
	InputOpenQuestion InputKind = "open_question"
)

type Event struct {
	Type      EventType
	InputKind InputKind
	Question  string
	Options   []string
	// Window carries the rolling context for context_exhausted events.
	Window string
}

var contextExhaustedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context (window|limit)`),
	regexp.MustCompile(`(?i)too long`),
	regexp.MustCompile(`(?i)maximum.*token`),
	regexp.MustCompile(`(?i)conversation is too long`),
	regexp.MustCompile(`(?i)context.*exceeded`),
}

var workingPattern = regexp.MustCompile(`\b(Thinking|Reading|Writing|Running|Searching|Analyzing|Editing|Creating)`)

const spinnerChars = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏"

var (
	confirmationPattern = regexp.MustCompile(`\(y/n\)|\[Y/n\]|\[yes/no\]|Do you want to`)
	approvalPattern     = regexp.MustCompile(`Allow .* to run|Press Enter to run|Approve|Reject|Edit`)
	selectionPattern    = regexp.MustCompile(`Choose an option|Select .*:|(?m)^\s*\[\d+\]`)
	optionPattern       = regexp.MustCompile(`(?m)^\s*\[\d+\]\s*(.+)$`)
	ansiPattern         = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[()][0-9A-B]`)
)

// Classifier consumes a session's raw output stream and infers state from it.
// Each chunk emits activity first, then at most one classification event; an
// idle timer fires possibly_idle when the stream goes quiet.
type Classifier struct {
	mu            sync.Mutex
	window        []byte
	windowLimit   int
	idleThreshold time.Duration
	clock         Clock
	idleTimer     Timer
	emit          func(Event)
	stopped       bool
}

func New(windowLimit int, idleThreshold time.Duration, clock Clock, emit func(Event)) *Classifier {
	if clock == nil {
		clock = RealClock()
	}
	return &Classifier{
		windowLimit:   windowLimit,
		idleThreshold: idleThreshold,
		clock:         clock,
		emit:          emit,
	}
}

func (c *Classifier) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.window = append(c.window, chunk...)
	if len(c.window) > c.windowLimit {
		c.window = c.window[len(c.window)-c.windowLimit:]
	}
	windowCopy := string(c.window)
	if c.idleTimer == nil {
		c.idleTimer = c.clock.AfterFunc(c.idleThreshold, c.fireIdle)
	} else {
		c.idleTimer.Reset(c.idleThreshold)
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventActivity})

	text := StripANSI(string(chunk))
	if event, ok := classifyChunk(text, windowCopy); ok {
		c.emit(event)
	}
}

func (c *Classifier) fireIdle() {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}
	c.emit(Event{Type: EventPossiblyIdle})
}

func (c *Classifier) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
}

// classifyChunk tests the ordered pattern families and returns after the
// first hit. Context exhaustion dominates working, which dominates input.
func classifyChunk(text, window string) (Event, bool) {
	for _, re := range contextExhaustedPatterns {
		if re.MatchString(text) {
			return Event{Type: EventContextExhausted, Window: window}, true
		}
	}
	if workingPattern.MatchString(text) || strings.ContainsAny(text, spinnerChars) {
		return Event{Type: EventWorking}, true
	}
	if event, ok := classifyInput(text); ok {
		return event, true
	}
	return Event{}, false
}

func classifyInput(text string) (Event, bool) {
	switch {
	case confirmationPattern.MatchString(text):
		return Event{
			Type:      EventInputRequired,
			InputKind: InputConfirmation,
			Question:  extractQuestion(text),
		}, true
	case approvalPattern.MatchString(text):
		return Event{
			Type:      EventInputRequired,
			InputKind: InputConfirmation,
			Question:  extractQuestion(text),
		}, true
	case selectionPattern.MatchString(text):
		return Event{
			Type:      EventInputRequired,
			InputKind: InputSelection,
			Question:  extractQuestion(text),
			Options:   extractOptions(text),
		}, true
	}
	if line := lastNonEmptyLine(text); strings.HasSuffix(line, "?") {
		return Event{
			Type:      EventInputRequired,
			InputKind: InputOpenQuestion,
			Question:  line,
		}, true
	}
	return Event{}, false
}

// extractQuestion picks the last line carrying a question marker, falling
// back to the last non-empty line.
func extractQuestion(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.Contains(line, "?") || strings.Contains(line, "(y/n)") {
			return line
		}
	}
	return lastNonEmptyLine(text)
}

func extractOptions(text string) []string {
	matches := optionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	options := make([]string, 0, len(matches))
	for _, m := range matches {
		options = append(options, strings.TrimSpace(m[1]))
	}
	return options
}

func lastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return ""
}

// StripANSI removes escape sequences so classification sees rendered text.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
