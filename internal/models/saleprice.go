package models

import "time"

// MonthKeyLayout is the layout of keys in MedianSalePriceRecord.MedianSaleData.
const MonthKeyLayout = "2006-01"

// ScrapePoint is one sample read from the chart tooltip at a pointer position.
// Value is nil when the tooltip row carried no amount.
type ScrapePoint struct {
	Date       time.Time `json:"date"`
	RegionName string    `json:"regionName"`
	Value      *float64  `json:"value"`
}

// MedianSalePriceRecord is the persisted series for one (city, state) pair.
// Records are written once and never updated.
type MedianSalePriceRecord struct {
	City           string             `json:"city" bson:"city"`
	State          string             `json:"state" bson:"state"`
	RegionName     string             `json:"region_name,omitempty" bson:"region_name,omitempty"`
	LastUpdatedAt  time.Time          `json:"last_updated_at" bson:"last_updated_at"`
	MedianSaleData map[string]float64 `json:"median_sale_data" bson:"median_sale_data"`
}
