package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMissingProductID = errors.New("product identifier is required")

// Fields is the opaque product metadata carried with a line item (name, price, image, unit...).
type Fields map[string]interface{}

// LineItem is one product in the cart. A stored item always has Quantity >= 1;
// "0 in cart" is represented by the item being absent.
type LineItem struct {
	ProductID string `json:"product_id" bson:"product_id"`
	Quantity  int    `json:"quantity" bson:"quantity"`
	Fields    Fields `json:"fields,omitempty" bson:"fields,omitempty"`
}

// Product is a product-like payload normalized to a single identifier.
type Product struct {
	ID     string
	Fields Fields
}

type Summary struct {
	TotalDistinctItems int        `json:"total_distinct_items"`
	TotalUnits         int        `json:"total_units"`
	Items              []LineItem `json:"items"`
}

// NewProduct builds a Product with an explicit identifier.
func NewProduct(id string, fields Fields) (Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Product{}, ErrMissingProductID
	}
	return Product{ID: id, Fields: fields}, nil
}

// ProductFromPayload normalizes a remote product record. The identifier is read from
// "id" first and "product_id" second; both are removed from the returned fields, as is
// any round-tripped "quantity".
func ProductFromPayload(payload map[string]interface{}) (Product, error) {
	var id string
	for _, key := range []string{"id", "product_id"} {
		if v, ok := payload[key]; ok {
			if s := identifierString(v); s != "" {
				id = s
				break
			}
		}
	}
	if id == "" {
		return Product{}, ErrMissingProductID
	}

	fields := make(Fields, len(payload))
	for k, v := range payload {
		switch k {
		case "id", "product_id", "quantity":
			continue
		}
		fields[k] = v
	}
	return Product{ID: id, Fields: fields}, nil
}

func identifierString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		// JSON numbers decode as float64
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// MergeFields returns old overlaid with new. Keys present only in old survive.
func MergeFields(old, new Fields) Fields {
	if len(old) == 0 && len(new) == 0 {
		return nil
	}
	merged := make(Fields, len(old)+len(new))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range new {
		merged[k] = v
	}
	return merged
}

// Summarize derives the aggregate view of items.
func Summarize(items []LineItem) Summary {
	s := Summary{Items: items}
	if s.Items == nil {
		s.Items = []LineItem{}
	}
	for _, item := range items {
		s.TotalDistinctItems++
		s.TotalUnits += item.Quantity
	}
	return s
}
