// Package gtfsrt renders tracked vehicles as a GTFS-Realtime VehiclePositions feed.
package gtfsrt

import (
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"fleet-tracker/internal/fleet"
)

const ContentType = "application/x-protobuf"

// VehiclePositions builds a full-dataset feed with one entity per vehicle.
func VehiclePositions(states []fleet.VehicleState, now time.Time) *gtfs.FeedMessage {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
		Entity: make([]*gtfs.FeedEntity, 0, len(states)),
	}
	for _, s := range states {
		feed.Entity = append(feed.Entity, entity(s))
	}
	return feed
}

// Marshal encodes the VehiclePositions feed.
func Marshal(states []fleet.VehicleState, now time.Time) ([]byte, error) {
	return proto.Marshal(VehiclePositions(states, now))
}

func entity(s fleet.VehicleState) *gtfs.FeedEntity {
	vp := &gtfs.VehiclePosition{
		Vehicle: &gtfs.VehicleDescriptor{
			Id:    proto.String(s.ID),
			Label: proto.String(s.ID),
		},
		Position: &gtfs.Position{
			Latitude:  proto.Float32(float32(s.Lat)),
			Longitude: proto.Float32(float32(s.Lng)),
			Bearing:   proto.Float32(float32(s.Heading)),
			Speed:     proto.Float32(float32(s.Speed / 3.6)), // m/s
		},
		Timestamp: proto.Uint64(uint64(s.Timestamp)),
	}
	if s.RouteID != "" {
		vp.Trip = &gtfs.TripDescriptor{RouteId: proto.String(s.RouteID)}
	}
	if p := s.Projection; p != nil && p.Known && p.NextStopID != "" {
		vp.StopId = proto.String(p.NextStopID)
		if s.Status == fleet.StatusStopped && p.DistanceKm < 0.05 {
			vp.CurrentStatus = gtfs.VehiclePosition_STOPPED_AT.Enum()
		} else {
			vp.CurrentStatus = gtfs.VehiclePosition_IN_TRANSIT_TO.Enum()
		}
	}
	return &gtfs.FeedEntity{Id: proto.String(s.ID), Vehicle: vp}
}
