package model

// RegionUnavailable is the region reported when geolocation fails.
const RegionUnavailable = "NA"

// ClientMetadata describes the client as seen by the measurement endpoint
// and the geolocation service.
type ClientMetadata struct {
	IP           string
	ISP          string
	LocationCode string
	Region       string
	Country      string  `json:",omitempty"`
	City         string  `json:",omitempty"`
	Latitude     float64 `json:",omitempty"`
	Longitude    float64 `json:",omitempty"`
	Timezone     string  `json:",omitempty"`
}
