package realtime

import (
	"context"
	"sort"

	"chatline/internal/models"

	"github.com/c-pro/geche"
)

// Channel is the process-wide real-time connection. All controllers share
// one Channel; it tracks which conversations are joined.
type Channel interface {
	Join(ctx context.Context, conv models.Conversation) error
	Leave(ctx context.Context, conv models.Conversation) error
	Publish(ctx context.Context, conv models.Conversation, msg models.Message) error
	Events() <-chan models.ServerEvent
	Run(ctx context.Context) error
}

// membership is the set of joined conversation ids.
type membership struct {
	ids geche.Geche[string, struct{}]
}

func newMembership() *membership {
	return &membership{ids: geche.NewMapCache[string, struct{}]()}
}

func (m *membership) add(id string) {
	m.ids.Set(id, struct{}{})
}

func (m *membership) remove(id string) {
	_ = m.ids.Del(id)
}

func (m *membership) has(id string) bool {
	_, err := m.ids.Get(id)
	return err == nil
}

// list returns the joined ids in a stable order.
func (m *membership) list() []string {
	snap := m.ids.Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
