package domain

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PlaceMatch is a resolved map entry for a candidate name.
type PlaceMatch struct {
	PlaceID          string   `json:"placeId"`
	DisplayName      string   `json:"displayName"`
	FormattedAddress string   `json:"formattedAddress,omitempty"`
	Location         *LatLng  `json:"location,omitempty"`
	Types            []string `json:"types,omitempty"`
	Website          string   `json:"website,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	Rating           float64  `json:"rating,omitempty"`
	RatingCount      int      `json:"ratingCount,omitempty"`
	PriceLevel       string   `json:"priceLevel,omitempty"`
	MapsURL          string   `json:"mapsUrl"`
}
