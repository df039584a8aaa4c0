package dto

type HealthResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	ConnectionState string         `json:"connection_state"`
	LastFailure     *FailureDetail `json:"last_failure,omitempty"`
	Machines        int            `json:"machines"`
	HasAccount      bool           `json:"has_account"`
}

type FailureDetail struct {
	Reason    string `json:"reason"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
	Permanent bool   `json:"permanent"`
}
