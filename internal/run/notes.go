package run

import (
	"github.com/daniel/storyweaver/internal/event"
)

// Note is one item on a run's subscription stream: a recorded event, a
// partial generation chunk, or a choice stage suspending for selection.
// Exactly one field is set.
type Note struct {
	Event  *event.Event   `json:"event,omitempty"`
	Chunk  *Chunk         `json:"chunk,omitempty"`
	Choice *ChoicePending `json:"choice,omitempty"`
}

// Chunk is a partial output fragment streamed from the generation call.
type Chunk struct {
	StageID string `json:"stage_id"`
	Text    string `json:"text"`
}

// ChoicePending announces that a stage generated its candidates and is
// suspended until feedback selects one.
type ChoicePending struct {
	StageID    string   `json:"stage_id"`
	Candidates []string `json:"candidates"`
}

const subscriberBuffer = 256

func (h *handle) subscribe() (<-chan Note, func()) {
	ch := make(chan Note, subscriberBuffer)

	h.subMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.subMu.Unlock()

	var once bool
	cancel := func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		if !once {
			once = true
			delete(h.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// broadcast delivers a note to every subscriber, dropping for subscribers
// whose buffer is full rather than blocking the orchestrator.
func (h *handle) broadcast(n Note) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.dropped++
		}
	}
}

func (h *handle) closeSubs() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	if h.dropped > 0 {
		h.log.Warn("slow subscribers dropped notes", "dropped", h.dropped)
	}
}
