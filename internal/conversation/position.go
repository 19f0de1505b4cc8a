package conversation

// NextPosition returns the ordering slot for the next turn of c.
//
// Only active messages count, so superseded responses never shift the
// position of later turns.
func NextPosition(c *Conversation) int {
	if c == nil || len(c.Messages) == 0 {
		return 0
	}

	next := 0
	for _, m := range c.Messages {
		if m.IsActive && m.Position+1 > next {
			next = m.Position + 1
		}
	}
	return next
}

// LatestResponsePosition returns the highest position holding an active
// assistant message. ok is false when there is none.
func LatestResponsePosition(c *Conversation) (position int, ok bool) {
	if c == nil {
		return 0, false
	}
	for _, m := range c.Messages {
		if !m.IsActive || m.Role != RoleAssistant {
			continue
		}
		if !ok || m.Position > position {
			position = m.Position
			ok = true
		}
	}
	return position, ok
}

// ActiveAt returns the active messages with the given role at position, in
// stored order.
func ActiveAt(c *Conversation, position int, role Role) []*Message {
	if c == nil {
		return nil
	}
	var out []*Message
	for _, m := range c.Messages {
		if m.IsActive && m.Position == position && m.Role == role {
			out = append(out, m)
		}
	}
	return out
}
