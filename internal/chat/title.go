package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/salon/internal/conversation"
	"github.com/salon/internal/deployment"
)

const titlePrompt = `# TASK
Read the conversation below and write a short title for its topic.
Answer with the title only, no quotes and no punctuation at the end.

## CONVERSATION
%s
## END CONVERSATION

# TITLE
`

// titleTurns is how many of the latest messages feed the title prompt.
const titleTurns = 5

// Titler names conversations from their recent messages.
type Titler struct {
	store      conversation.Store
	deployment deployment.Deployment
}

func NewTitler(store conversation.Store, dep deployment.Deployment) *Titler {
	return &Titler{store: store, deployment: dep}
}

// GenerateTitle asks the deployment for a title and stores it. When the
// model fails the default title is stored and the model error is returned
// as genErr; err is reserved for lookup and storage failures.
func (t *Titler) GenerateTitle(ctx context.Context, conversationID, ownerID string) (title string, genErr error, err error) {
	conv, err := t.store.GetConversation(ctx, conversationID, ownerID)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return "", nil, notFound("conversation %s", conversationID)
		}
		return "", nil, persistenceError(err)
	}

	title = conversation.DefaultTitle
	if chatlog := conversation.Chatlog(conv, titleTurns); chatlog != "" {
		answer, err := t.deployment.Chat(ctx, deployment.ChatRequest{
			Message:     fmt.Sprintf(titlePrompt, chatlog),
			ChatHistory: []conversation.HistoryEntry{},
		})
		if err != nil {
			genErr = upstreamError(err)
			zerolog.Ctx(ctx).Warn().Err(err).Str("conversation_id", conversationID).Msg("Title generation failed")
		} else if cleaned := cleanTitle(answer); cleaned != "" {
			title = cleaned
		}
	}

	if _, err := t.store.UpdateConversation(ctx, conversationID, ownerID, conversation.Update{Title: &title}); err != nil {
		return "", genErr, persistenceError(err)
	}
	return title, genErr, nil
}

func cleanTitle(answer string) string {
	answer = strings.TrimSpace(answer)
	if i := strings.IndexByte(answer, '\n'); i >= 0 {
		answer = answer[:i]
	}
	answer = strings.TrimPrefix(answer, "#")
	answer = strings.Trim(answer, " \t\"'*`.")
	return answer
}
