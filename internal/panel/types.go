package panel

import "time"

// ServerConfig is the node configuration returned by the config endpoint.
type ServerConfig struct {
	ServerPort int        `json:"server_port"`
	Cipher     string     `json:"cipher"`
	ServerKey  string     `json:"server_key"`
	BaseConfig BaseConfig `json:"base_config"`
}

// BaseConfig carries the panel's suggested polling intervals in seconds.
type BaseConfig struct {
	PushInterval int `json:"push_interval"`
	PullInterval int `json:"pull_interval"`
}

// PushPeriod returns the report interval, or def when the panel sets none.
func (b BaseConfig) PushPeriod(def time.Duration) time.Duration {
	if b.PushInterval <= 0 {
		return def
	}
	return time.Duration(b.PushInterval) * time.Second
}

// PullPeriod returns the sync interval, or def when the panel sets none.
func (b BaseConfig) PullPeriod(def time.Duration) time.Duration {
	if b.PullInterval <= 0 {
		return def
	}
	return time.Duration(b.PullInterval) * time.Second
}

// User is a panel user. UUID is the user's secret.
type User struct {
	ID   int    `json:"id"`
	UUID string `json:"uuid"`
}

type usersResponse struct {
	Users []User `json:"users"`
}
