// Package domain contains the core entities of the order relay.
package domain

import (
	"encoding/json"
	"fmt"
)

// Order is the unit of work relayed through the broker.
// None of the fields are validated: the id is caller assigned and the
// quantity carries no range check.
type Order struct {
	// ID identifies the order. Uniqueness is not enforced.
	ID string `json:"id"`

	// Product is the product name.
	Product string `json:"product"`

	// Quantity is the number of items ordered.
	Quantity int `json:"quantity"`
}

// NewOrder creates an order with the given fields.
func NewOrder(id, product string, quantity int) Order {
	return Order{ID: id, Product: product, Quantity: quantity}
}

// String renders the order for log lines.
func (o Order) String() string {
	return fmt.Sprintf("Order{id='%s', product='%s', quantity=%d}", o.ID, o.Product, o.Quantity)
}

// EncodeOrder serializes an order into its broker wire format (JSON).
func EncodeOrder(o Order) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}
	return data, nil
}

// DecodeOrder parses an order from its broker wire format.
func DecodeOrder(data []byte) (Order, error) {
	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return Order{}, fmt.Errorf("failed to decode order: %w", err)
	}
	return o, nil
}
