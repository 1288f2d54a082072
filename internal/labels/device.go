package labels

import "context"

// DefaultColor is used for labels with no color or an unknown palette index.
const DefaultColor = "#A4CCCC"

var palette = []string{
	"#A4CCCC", // 0 default
	"#5EC2B7", // 1 teal
	"#6EC1E4", // 2 blue
	"#F6C85F", // 3 amber
	"#EC7D7D", // 4 red
	"#BC85F8", // 5 purple
	"#69DB7C", // 6 green
	"#FFD166", // 7 yellow
	"#118AB2", // 8 deep blue
	"#8D99AE", // 9 gray
	"#EF476F", // 10 pink
	"#06D6A0", // 11 mint
	"#26547C", // 12 navy
	"#FF9F1C", // 13 orange
}

// DeviceLabel is a label as shown to tenants: hex color and the number of
// chats that carry it.
type DeviceLabel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Count int    `json:"count"`
}

// HexColor maps a palette index to its hex color.
func HexColor(index int) string {
	if index < 0 || index >= len(palette) {
		return DefaultColor
	}
	return palette[index]
}

// DeviceLabels lists the session's labels with chat counts. Counts come from
// the cached associations, or from the durable chats when the cache holds
// none.
func (s *Synchronizer) DeviceLabels(ctx context.Context, accountID int64) []DeviceLabel {
	inv := s.cache.Read(accountID)
	if len(inv.Labels) == 0 {
		return []DeviceLabel{}
	}

	counts := s.cache.Counts(accountID)
	if len(counts) == 0 && s.store != nil {
		snap, err := s.store.LoadSnapshot(ctx, accountID)
		if err != nil {
			s.log.Warnf("[%d] Count fallback from snapshot failed: %v", accountID, err)
		} else if snap != nil {
			for _, c := range snap.Chats {
				for _, id := range c.Labels {
					counts[id]++
				}
			}
		}
	}

	out := make([]DeviceLabel, 0, len(inv.Labels))
	for _, l := range inv.Labels {
		out = append(out, DeviceLabel{
			ID:    l.ID,
			Name:  l.Name,
			Color: HexColor(l.Color),
			Count: counts[l.ID],
		})
	}
	return out
}
