package fleet

// Coordinate is a polyline vertex.
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// Stop is a named stop on a route. DistanceKm is the published cumulative
// distance from the route origin.
type Stop struct {
	ID         string  `json:"id" yaml:"id" validate:"required"`
	Name       string  `json:"name" yaml:"name" validate:"required"`
	Lat        float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng        float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
	DistanceKm float64 `json:"distanceKm" yaml:"distance_km" validate:"gte=0"`
	Order      int     `json:"order" yaml:"order"`
}

// Route is a static, read-only route definition.
type Route struct {
	ID              string       `json:"id" yaml:"id" validate:"required"`
	Name            string       `json:"name" yaml:"name"`
	Description     string       `json:"description,omitempty" yaml:"description"`
	Color           string       `json:"color,omitempty" yaml:"color"`
	Active          bool         `json:"isActive" yaml:"active"`
	TotalDistanceKm float64      `json:"totalDistance" yaml:"total_distance_km" validate:"gte=0"`
	AverageSpeed    float64      `json:"averageSpeed" yaml:"average_speed" validate:"gte=0"`
	Coordinates     []Coordinate `json:"coordinates" yaml:"coordinates" validate:"required,min=1,dive"`
	Stops           []Stop       `json:"stops" yaml:"stops" validate:"dive"`
}
