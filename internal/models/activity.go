package models

import "time"

// ActivityItem is a display record derived from a transaction. Never authoritative.
type ActivityItem struct {
	TransactionID string    `json:"transactionId"`
	Icon          string    `json:"icon"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Time          time.Time `json:"time"`
}
