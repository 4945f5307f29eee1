package chat

import (
	"slices"
	"sort"

	"shiplive/native/internal/domain"
)

// Merge returns log with msgs folded in. A message whose id is already present
// is dropped (first occurrence wins). New messages are placed by CreatedAt;
// equal timestamps keep arrival order. log is never modified.
func Merge(log []domain.ChatMessage, msgs ...domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(log), len(log)+len(msgs))
	copy(out, log)

	seen := make(map[string]struct{}, len(out)+len(msgs))
	for _, m := range out {
		seen[m.ID] = struct{}{}
	}

	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}

		i := sort.Search(len(out), func(i int) bool {
			return out[i].CreatedAt.After(m.CreatedAt)
		})
		out = slices.Insert(out, i, m)
	}
	return out
}
