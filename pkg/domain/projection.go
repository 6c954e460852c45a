package domain

// ResolvedMessage is a message turn after applying swipe selection, edits
// and tombstones. One ResolvedMessage per turn; for swiped assistant turns
// it carries the selected variant.
type ResolvedMessage struct {
	Event   *ChatEvent
	Content string
	Stale   bool
}

// SwipeGroupInfo describes one swipe group in a log.
type SwipeGroupInfo struct {
	GroupID       string
	Events        []*ChatEvent // ordered by swipe index
	SelectedIndex int
	StaleIndices  []int
}

type projection struct {
	edits      map[string]*EditEvent // target event id → last edit
	tombstones map[string]bool       // target event id → deleted
	selections map[string]int        // swipe group id → selected index
	groups     map[string][]*ChatEvent
}

func project(events []*ChatEvent) *projection {
	p := &projection{
		edits:      make(map[string]*EditEvent),
		tombstones: make(map[string]bool),
		selections: make(map[string]int),
		groups:     make(map[string][]*ChatEvent),
	}
	for _, ev := range events {
		switch ev.Kind {
		case EventEdit:
			p.edits[ev.Edit.TargetEventID] = ev.Edit
		case EventTombstone:
			p.tombstones[ev.Tombstone.TargetEventID] = true
		case EventSwipeSelect:
			p.selections[ev.SwipeSelect.SwipeGroupID] = ev.SwipeSelect.SwipeIndex
		case EventMessage:
			if gid := ev.Message.SwipeGroupID; gid != "" {
				p.groups[gid] = append(p.groups[gid], ev)
			}
		}
	}
	return p
}

// winner picks the visible variant of a swipe group: the explicit selection
// if recorded and alive, otherwise the highest non-tombstoned index.
func (p *projection) winner(group []*ChatEvent) *ChatEvent {
	if len(group) == 0 {
		return nil
	}
	gid := group[0].Message.SwipeGroupID

	if idx, ok := p.selections[gid]; ok {
		for _, ev := range group {
			if ev.Message.SwipeIndex == idx && !p.tombstones[ev.ID] {
				return ev
			}
		}
	}

	var best *ChatEvent
	for _, ev := range group {
		if p.tombstones[ev.ID] {
			continue
		}
		if best == nil || ev.Message.SwipeIndex > best.Message.SwipeIndex {
			best = ev
		}
	}
	return best
}

// ProjectMessages flattens the append log into the linear message history
// the transport sees: one entry per turn, in insertion order, with swipe
// selection, edits and tombstones applied.
func ProjectMessages(events []*ChatEvent) []ResolvedMessage {
	p := project(events)

	var out []ResolvedMessage
	seenGroups := make(map[string]bool)

	for _, ev := range events {
		if ev.Kind != EventMessage {
			continue
		}

		gid := ev.Message.SwipeGroupID
		if gid != "" {
			// Emit the group once, at the insertion position of its
			// first member.
			if seenGroups[gid] {
				continue
			}
			seenGroups[gid] = true
			winner := p.winner(p.groups[gid])
			if winner == nil {
				continue
			}
			out = append(out, p.resolve(winner))
			continue
		}

		if p.tombstones[ev.ID] {
			continue
		}
		out = append(out, p.resolve(ev))
	}
	return out
}

func (p *projection) resolve(ev *ChatEvent) ResolvedMessage {
	content := ev.Message.Content
	if edit, ok := p.edits[ev.ID]; ok {
		content = edit.NewContent
	}
	return ResolvedMessage{Event: ev, Content: content, Stale: p.isStale(ev)}
}

// isStale reports whether ev is a swipe sibling of an edited variant.
// Editing one variant marks the others stale; they are kept but flagged.
func (p *projection) isStale(ev *ChatEvent) bool {
	gid := ev.Message.SwipeGroupID
	if gid == "" {
		return false
	}
	for _, sibling := range p.groups[gid] {
		if sibling.ID != ev.ID {
			if _, edited := p.edits[sibling.ID]; edited {
				return true
			}
		}
	}
	return false
}

// SwipeGroup collects the events of one group ordered by swipe index.
func SwipeGroup(events []*ChatEvent, groupID string) SwipeGroupInfo {
	p := project(events)
	group := p.groups[groupID]

	ordered := make([]*ChatEvent, len(group))
	copy(ordered, group)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Message.SwipeIndex < ordered[j-1].Message.SwipeIndex; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	info := SwipeGroupInfo{GroupID: groupID, Events: ordered, SelectedIndex: -1}
	if winner := p.winner(group); winner != nil {
		info.SelectedIndex = winner.Message.SwipeIndex
	}
	for _, ev := range ordered {
		if p.isStale(ev) {
			info.StaleIndices = append(info.StaleIndices, ev.Message.SwipeIndex)
		}
	}
	return info
}

// FindEvent returns the event with the given id.
func FindEvent(events []*ChatEvent, id string) (*ChatEvent, bool) {
	for _, ev := range events {
		if ev.ID == id {
			return ev, true
		}
	}
	return nil, false
}

// LatestSummary returns the most recent context-summary event, if any.
func LatestSummary(events []*ChatEvent) (*ChatEvent, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == EventContextSummary {
			return events[i], true
		}
	}
	return nil, false
}

// EventsAfter returns events strictly after the event with the given id.
// When the id is unknown the full slice is returned.
func EventsAfter(events []*ChatEvent, eventID string) []*ChatEvent {
	for i, ev := range events {
		if ev.ID == eventID {
			return events[i+1:]
		}
	}
	return events
}

// CountInterchanges counts adjacent USER→ASSISTANT pairs over the projected
// history. Tool invocations and summaries do not count.
func CountInterchanges(events []*ChatEvent) int {
	messages := ProjectMessages(events)
	count := 0
	for i := 0; i+1 < len(messages); i++ {
		if messages[i].Event.Message.Role == RoleUser && messages[i+1].Event.Message.Role == RoleAssistant {
			count++
			i++ // consume the pair
		}
	}
	return count
}

// titleCheckpoints below ten; past ten every tenth interchange qualifies.
var titleCheckpoints = map[int]bool{2: true, 3: true, 5: true, 7: true}

// IsTitleCheckpoint reports whether a title refresh is due at interchange n.
func IsTitleCheckpoint(n int) bool {
	if titleCheckpoints[n] {
		return true
	}
	return n >= 10 && n%10 == 0
}
