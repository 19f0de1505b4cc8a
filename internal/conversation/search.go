package conversation

import (
	"context"
)

// searchBatch is the page size used to walk an owner's conversations.
var searchBatch = 100

// Lister is the part of Store that Search needs.
type Lister interface {
	ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error)
}

// Search filters every conversation matching opts.OwnerID and opts.AgentID
// against query, then applies opts.Offset and opts.Limit to the matches.
// Messages are always loaded since the chatlog is part of what is matched.
func Search(ctx context.Context, store Lister, opts ListOptions, query string) ([]*Conversation, error) {
	page := opts
	page.IncludeMessages = true
	page.Limit = searchBatch
	page.Offset = 0

	matches := []*Conversation{}
	for {
		batch, err := store.ListConversations(ctx, page)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Filter(batch, query)...)
		if len(batch) < searchBatch {
			break
		}
		page.Offset += len(batch)
	}

	if opts.Offset >= len(matches) {
		return []*Conversation{}, nil
	}
	matches = matches[opts.Offset:]
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}
