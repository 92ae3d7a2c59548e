package session

import (
	"sync"

	"github.com/IvanRicoPrieto/CCRemote/internal/classify"
	"github.com/IvanRicoPrieto/CCRemote/internal/model"
)

// Bus is the observer registry sessions publish on. Subscribers register
// callbacks per topic; publishing never blocks on subscriber work beyond the
// callback itself, so subscribers queue internally if they fan out.
type Bus struct {
	mu            sync.RWMutex
	state         []func(model.Session)
	output        []func(id string, content []byte)
	inputRequired []func(id string, event classify.Event)
	contextLimit  []func(id, message string)
	exit          []func(id string)
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) OnState(f func(model.Session)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = append(b.state, f)
}

func (b *Bus) OnOutput(f func(id string, content []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.output = append(b.output, f)
}

func (b *Bus) OnInputRequired(f func(id string, event classify.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputRequired = append(b.inputRequired, f)
}

func (b *Bus) OnContextLimit(f func(id, message string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contextLimit = append(b.contextLimit, f)
}

func (b *Bus) OnExit(f func(id string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exit = append(b.exit, f)
}

func (b *Bus) publishState(sess model.Session) {
	b.mu.RLock()
	subs := b.state
	b.mu.RUnlock()
	for _, f := range subs {
		f(sess)
	}
}

func (b *Bus) publishOutput(id string, content []byte) {
	b.mu.RLock()
	subs := b.output
	b.mu.RUnlock()
	for _, f := range subs {
		f(id, content)
	}
}

func (b *Bus) publishInputRequired(id string, event classify.Event) {
	b.mu.RLock()
	subs := b.inputRequired
	b.mu.RUnlock()
	for _, f := range subs {
		f(id, event)
	}
}

func (b *Bus) publishContextLimit(id, message string) {
	b.mu.RLock()
	subs := b.contextLimit
	b.mu.RUnlock()
	for _, f := range subs {
		f(id, message)
	}
}

func (b *Bus) publishExit(id string) {
	b.mu.RLock()
	subs := b.exit
	b.mu.RUnlock()
	for _, f := range subs {
		f(id)
	}
}
