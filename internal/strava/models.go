package strava

import (
	"encoding/json"
	"time"
)

// ActivitySummary represents an entry of /athlete/activities
type ActivitySummary struct {
	ID             int64     `json:"id"`
	Athlete        Athlete   `json:"athlete"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	SportType      string    `json:"sport_type"`
	StartDate      time.Time `json:"start_date"`
	StartDateLocal time.Time `json:"start_date_local"`
	Manual         bool      `json:"manual"`
}

// ActivityDetail is the detailed activity document. Raw keeps the response
// exactly as received so it can be forwarded unchanged.
type ActivityDetail struct {
	ID        int64
	StartDate time.Time
	Raw       json.RawMessage
}

// UnmarshalJSON keeps the raw document and extracts the id and start date
func (a *ActivityDetail) UnmarshalJSON(data []byte) error {
	var head struct {
		ID        int64     `json:"id"`
		StartDate time.Time `json:"start_date"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	a.ID = head.ID
	a.StartDate = head.StartDate.UTC()
	a.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Athlete represents a Strava athlete. Activity responses only carry the id;
// /athlete returns the full profile (resource_state 3).
type Athlete struct {
	ID            int64    `json:"id"`
	Firstname     string   `json:"firstname,omitempty"`
	Lastname      string   `json:"lastname,omitempty"`
	ResourceState int      `json:"resource_state,omitempty"`
	Weight        *float64 `json:"weight,omitempty"`
	FTP           *int     `json:"ftp,omitempty"`
}

// Detailed reports whether the profile carries weight and ftp
func (a *Athlete) Detailed() bool {
	return a.ResourceState == 3
}

// Streams represents activity stream data from the API
// Strava returns streams keyed by type when key_by_type=true
type Streams struct {
	Time           *StreamData[int64]      `json:"time"`
	Distance       *StreamData[float64]    `json:"distance"`
	LatLng         *StreamData[[2]float64] `json:"latlng"`
	Altitude       *StreamData[float64]    `json:"altitude"`
	VelocitySmooth *StreamData[float64]    `json:"velocity_smooth"`
	Heartrate      *StreamData[int]        `json:"heartrate"`
	Cadence        *StreamData[int]        `json:"cadence"`
	Watts          *StreamData[*int]       `json:"watts"` // null while coasting
	Temp           *StreamData[int]        `json:"temp"`
	Moving         *StreamData[bool]       `json:"moving"`
	GradeSmooth    *StreamData[float64]    `json:"grade_smooth"`
}

// StreamData represents a single stream type
type StreamData[T any] struct {
	Data         []T    `json:"data"`
	SeriesType   string `json:"series_type"`
	OriginalSize int    `json:"original_size"`
	Resolution   string `json:"resolution"`
}

// Subscription is a push subscription registered for the application
type Subscription struct {
	ID          int64     `json:"id"`
	CallbackURL string    `json:"callback_url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
