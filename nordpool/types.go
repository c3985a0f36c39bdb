package nordpool

import (
	"encoding/json"
	"time"
)

const BASE_URL = "https://dataportal-api.nordpoolgroup.com"

// Areas are the delivery areas the day-ahead market publishes prices for.
var Areas = []string{
	"SYS",
	"SE1", "SE2", "SE3", "SE4",
	"NO1", "NO2", "NO3", "NO4", "NO5",
	"DK1", "DK2",
	"FI",
	"EE", "LV", "LT",
	"AT", "BE", "FR", "GER", "NL", "PL",
	"TEL", "BG",
}

type dayAheadPrices struct {
	DeliveryDateCET  string           `json:"deliveryDateCET"`
	Version          int              `json:"version"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	DeliveryAreas    []string         `json:"deliveryAreas"`
	Market           string           `json:"market"`
	MultiAreaEntries []multiAreaEntry `json:"multiAreaEntries"`
	Currency         string           `json:"currency"`
	ExchangeRate     float64          `json:"exchangeRate"`
	AreaStates       []areaState      `json:"areaStates"`
}

type multiAreaEntry struct {
	DeliveryStart time.Time                  `json:"deliveryStart"`
	DeliveryEnd   time.Time                  `json:"deliveryEnd"`
	EntryPerArea  map[string]json.RawMessage `json:"entryPerArea"`
}

type areaState struct {
	State string   `json:"state"` // "Preliminary" or "Final"
	Areas []string `json:"areas"`
}
