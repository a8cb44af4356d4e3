package history

import (
	"context"
	"strings"

	logx "wxalert/pkg/logx"
)

// LegacySeen returns the IDs in the pipe-delimited seen list.
func (s *Store) LegacySeen(ctx context.Context) []string {
	raw, ok, err := s.kv.GetItem(ctx, LegacySeenKey)
	if err != nil || !ok {
		return nil
	}
	return splitSeen(raw)
}

// MarkSeenLegacy appends ids to the seen list. The list keeps the most recent
// entries only. Failures are logged and otherwise ignored.
func (s *Store) MarkSeenLegacy(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, _, err := s.kv.GetItem(ctx, LegacySeenKey)
	if err != nil {
		s.log.Debug("legacy seen read failed", logx.Err(err))
		raw = ""
	}
	cur := splitSeen(raw)
	have := make(map[string]struct{}, len(cur))
	for _, id := range cur {
		have[id] = struct{}{}
	}
	changed := false
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || strings.Contains(id, "|") {
			continue
		}
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		cur = append(cur, id)
		changed = true
	}
	if !changed {
		return
	}
	if len(cur) > legacySeenMax {
		cur = cur[len(cur)-legacySeenMax:]
	}
	if err := s.kv.SetItem(ctx, LegacySeenKey, strings.Join(cur, "|")); err != nil {
		s.log.Debug("legacy seen write failed", logx.Err(err))
	}
}

func splitSeen(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, "|")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
