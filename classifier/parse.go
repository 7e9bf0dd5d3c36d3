package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dhcgn/winesync/model"
)

var ErrMalformedResponse = errors.New("malformed classifier response")

type responsePayload struct {
	IsOrder     *bool           `json:"is_order"`
	OrderNumber flexString      `json:"order_number"`
	TotalPrice  flexString      `json:"total_price"`
	Items       json.RawMessage `json:"items"`
}

type responseItem struct {
	Region    flexString `json:"region"`
	AOC       flexString `json:"aoc"`
	Producer  flexString `json:"producer"`
	Vintage   flexString `json:"vintage"`
	Cuvee     flexString `json:"cuvee"`
	Format    flexString `json:"format"`
	Color     flexString `json:"color"`
	Quantity  flexString `json:"quantity"`
	UnitPrice flexString `json:"unit_price"`
}

// ParseResponse decodes the model reply. Any structural problem yields a
// non-order result together with an error wrapping ErrMalformedResponse.
func ParseResponse(reply string) (model.ExtractionResult, error) {
	text := extractJSON(reply)
	if text == "" {
		return model.NotOrder(), fmt.Errorf("%w: empty reply", ErrMalformedResponse)
	}

	var payload responsePayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return model.NotOrder(), fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if payload.IsOrder == nil {
		return model.NotOrder(), fmt.Errorf("%w: missing is_order", ErrMalformedResponse)
	}
	if !*payload.IsOrder {
		return model.NotOrder(), nil
	}

	var rawItems []json.RawMessage
	if trimmed := bytes.TrimSpace(payload.Items); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &rawItems); err != nil {
			return model.NotOrder(), fmt.Errorf("%w: items is not a list", ErrMalformedResponse)
		}
	}

	items := make([]model.WineItem, 0, len(rawItems))
	for _, raw := range rawItems {
		var item responseItem
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		items = append(items, model.WineItem{
			Region:      item.Region.String(),
			Appellation: item.AOC.String(),
			Producer:    item.Producer.String(),
			Vintage:     item.Vintage.String(),
			Cuvee:       item.Cuvee.String(),
			Format:      item.Format.String(),
			Color:       item.Color.String(),
			Quantity:    item.Quantity.String(),
			UnitPrice:   item.UnitPrice.String(),
		})
	}

	result := model.NewExtractionResult(true, items)
	result.OrderNumber = payload.OrderNumber.String()
	result.TotalPrice = payload.TotalPrice.String()
	return result, nil
}

// extractJSON strips markdown fences and keeps the outermost object.
func extractJSON(reply string) string {
	text := strings.TrimSpace(reply)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			kept = append(kept, line)
		}
		text = strings.Join(kept, "\n")
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// flexString accepts strings, numbers, booleans and null. Objects and arrays
// are kept as compact JSON text.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*f = flexString(data)
	case len(data) > 0 && (data[0] == '{' || data[0] == '['):
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return err
		}
		*f = flexString(buf.String())
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported value %s", data)
		}
		*f = flexString(n.String())
	}
	return nil
}

func (f flexString) String() string {
	return strings.TrimSpace(string(f))
}
