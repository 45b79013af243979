package types

// VehicleControl is the instantaneous control input applied to the player
// vehicle. Values mirror what the simulator accepts: steer in [-1, 1],
// throttle and brake in [0, 1].
type VehicleControl struct {
	Steer     float64 `json:"steer" msgpack:"steer"`
	Throttle  float64 `json:"throttle" msgpack:"throttle"`
	Brake     float64 `json:"brake" msgpack:"brake"`
	Reverse   bool    `json:"reverse" msgpack:"reverse"`
	HandBrake bool    `json:"hand_brake" msgpack:"hand_brake"`
}

// Neutral reports whether the control carries no input at all.
func (c VehicleControl) Neutral() bool {
	return c.Steer == 0 && c.Throttle == 0 && c.Brake == 0 && !c.Reverse && !c.HandBrake
}

// ActionSample is one recorded control sample, timestamped relative to the
// start of its recording session. The JSON tags define the on-disk schema of
// the action log artifact and must not change.
type ActionSample struct {
	// Timestamp is seconds since the session started (rounded to 1ms)
	Timestamp float64 `json:"timestamp"`
	// AbsoluteTime is a human-readable HH:MM:SS wall-clock label
	AbsoluteTime string  `json:"absolute_time"`
	Steer        float64 `json:"steer"`
	Throttle     float64 `json:"throttle"`
	Brake        float64 `json:"brake"`
	Reverse      bool    `json:"reverse"`
	HandBrake    bool    `json:"hand_brake"`
}
