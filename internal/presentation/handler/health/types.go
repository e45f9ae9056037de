package health

type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Uptime      string `json:"uptime"`
	Broker      string `json:"broker"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Rooms       int    `json:"rooms"`
}

type liveResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}
