package models

import "time"

// MappingOrigin states how a merchant mapping came to exist.
type MappingOrigin string

// Mapping origins
const (
	OriginUserConfirmed MappingOrigin = "user-confirmed"
	OriginAutoLearned   MappingOrigin = "auto-learned"
)

// MerchantMapping associates a normalized merchant key with a category.
type MerchantMapping struct {
	MerchantKey string        `json:"merchantKey"`
	Category    string        `json:"category"`
	Subcategory string        `json:"subcategory,omitempty"`
	Origin      MappingOrigin `json:"origin"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}
