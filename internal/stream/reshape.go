// Package stream turns Strava's columnar stream response into one record per
// sample.
package stream

import (
	"errors"
	"fmt"
	"time"

	"stravasync/internal/strava"
)

// TimeFormat is the timestamp layout of every sample
const TimeFormat = "2006-01-02T15:04:05Z"

var (
	// ErrLengthMismatch is returned when a stream does not have one value per time offset
	ErrLengthMismatch = errors.New("stream length does not match time stream")
	// ErrNoTimeStream is returned when the response has no time stream to index samples by
	ErrNoTimeStream = errors.New("no time stream")
)

// Sample is one point of an activity. Metrics absent from the response are
// omitted from the encoded record.
type Sample struct {
	ActivityID     int64    `json:"activity_id"`
	Time           string   `json:"time"`
	Distance       *float64 `json:"distance,omitempty"`
	Lat            *float64 `json:"lat,omitempty"`
	Lon            *float64 `json:"lon,omitempty"`
	Altitude       *float64 `json:"altitude,omitempty"`
	VelocitySmooth *float64 `json:"velocity_smooth,omitempty"`
	Heartrate      *int     `json:"heartrate,omitempty"`
	Cadence        *int     `json:"cadence,omitempty"`
	Watts          *int     `json:"watts,omitempty"`
	Temp           *int     `json:"temp,omitempty"`
	Moving         *bool    `json:"moving,omitempty"`
	GradeSmooth    *float64 `json:"grade_smooth,omitempty"`
}

// Reshape builds one Sample per entry of the time stream. Offsets are added to
// start to produce absolute UTC timestamps and latlng pairs are split into
// lat and lon. Every other stream present must be as long as the time stream.
func Reshape(activityID int64, start time.Time, s *strava.Streams) ([]Sample, error) {
	if s == nil || s.Time == nil {
		return nil, ErrNoTimeStream
	}
	n := len(s.Time.Data)

	checks := []struct {
		name string
		len  int
		ok   bool
	}{
		{"distance", lenOf(s.Distance), s.Distance != nil},
		{"latlng", lenOf(s.LatLng), s.LatLng != nil},
		{"altitude", lenOf(s.Altitude), s.Altitude != nil},
		{"velocity_smooth", lenOf(s.VelocitySmooth), s.VelocitySmooth != nil},
		{"heartrate", lenOf(s.Heartrate), s.Heartrate != nil},
		{"cadence", lenOf(s.Cadence), s.Cadence != nil},
		{"watts", lenOf(s.Watts), s.Watts != nil},
		{"temp", lenOf(s.Temp), s.Temp != nil},
		{"moving", lenOf(s.Moving), s.Moving != nil},
		{"grade_smooth", lenOf(s.GradeSmooth), s.GradeSmooth != nil},
	}
	for _, c := range checks {
		if c.ok && c.len != n {
			return nil, fmt.Errorf("%w: %s has %d values, time has %d", ErrLengthMismatch, c.name, c.len, n)
		}
	}

	start = start.UTC()
	samples := make([]Sample, n)
	for i, offset := range s.Time.Data {
		sample := Sample{
			ActivityID: activityID,
			Time:       start.Add(time.Duration(offset) * time.Second).Format(TimeFormat),
		}

		sample.Distance = at(s.Distance, i)
		sample.Altitude = at(s.Altitude, i)
		sample.VelocitySmooth = at(s.VelocitySmooth, i)
		sample.Heartrate = at(s.Heartrate, i)
		sample.Cadence = at(s.Cadence, i)
		sample.Temp = at(s.Temp, i)
		sample.Moving = at(s.Moving, i)
		sample.GradeSmooth = at(s.GradeSmooth, i)

		if s.Watts != nil {
			// watts is null while coasting
			sample.Watts = s.Watts.Data[i]
		}

		if s.LatLng != nil {
			pair := s.LatLng.Data[i]
			lat, lon := pair[0], pair[1]
			sample.Lat = &lat
			sample.Lon = &lon
		}

		samples[i] = sample
	}

	return samples, nil
}

func lenOf[T any](d *strava.StreamData[T]) int {
	if d == nil {
		return 0
	}
	return len(d.Data)
}

func at[T any](d *strava.StreamData[T], i int) *T {
	if d == nil {
		return nil
	}
	v := d.Data[i]
	return &v
}
