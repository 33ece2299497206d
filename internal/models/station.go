package models

import "time"

type Station struct {
	StationID  int64   `json:"station_id"`
	Name       string  `json:"name"`
	Active     bool    `json:"active"`
	Priority   string  `json:"priority"`
	OccupiedBy *string `json:"occupied_by,omitempty"`
	TurnID     *int64  `json:"turn_id,omitempty"`
}

type WorkerSession struct {
	WorkerID          string    `json:"worker_id"`
	SelectedStationID *int64    `json:"selected_station_id,omitempty"`
	LastActivity      time.Time `json:"last_activity"`
}
