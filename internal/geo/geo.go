// Package geo provides coordinate parsing, validation and distance helpers.
//
// Positions travel through the system as WGS84 (EPSG:4326) lat/lng pairs.
// For metric distance checks we project to web mercator (EPSG:3857) and
// measure euclidean distance, which is accurate enough at incident scale.
package geo

import (
	"math"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"

	"github.com/opsgrid/livetrack/pkg/core"
)

// ParseLatLng parses a "lat,lng" string into validated coordinates.
func ParseLatLng(s string) (lat, lng float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, core.ErrInvalidCoordinates
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, core.ErrInvalidCoordinates
	}
	lng, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, core.ErrInvalidCoordinates
	}
	if err = core.ValidateLatLng(lat, lng); err != nil {
		return 0, 0, err
	}
	return lat, lng, nil
}

// Point builds an EPSG:4326 point (X=lng, Y=lat) for WKT/WKB interchange.
func Point(lat, lng float64) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: lng, Y: lat},
		Type: geom.DimXY,
	})
}

// Project3857 converts a lat/lng pair to web mercator meters.
func Project3857(lat, lng float64) (x, y float64) {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ = f(lng, lat, 0)
	return x, y
}

// DistanceMeters returns the planar web-mercator distance between two
// lat/lng pairs, corrected for mercator scale distortion at the mean
// latitude.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	x1, y1 := Project3857(lat1, lng1)
	x2, y2 := Project3857(lat2, lng2)
	d := math.Hypot(x2-x1, y2-y1)

	// Mercator stretches distances by 1/cos(lat).
	meanLat := (lat1 + lat2) / 2 * math.Pi / 180
	return d * math.Cos(meanLat)
}
