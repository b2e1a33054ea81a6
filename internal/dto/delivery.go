package dto

import "github.com/hexvault/multiscan-api/internal/models"

// DeliveryRequest captures POST /sessions/{id}/deliveries payload.
type DeliveryRequest struct {
	Type      models.DeliveryType `json:"type" binding:"required"`
	Target    string              `json:"target,omitempty"`
	Recipient string              `json:"recipient,omitempty"`
	Extras    map[string]string   `json:"extras,omitempty"`
}

// ReceiptTokenResponse carries a signed receipt download token.
type ReceiptTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}
