package node

import "fmt"

// ConfigError reports configuration the node cannot run with. UserID is set
// when a single user record is at fault.
type ConfigError struct {
	UserID int
	Err    error
}

func (e *ConfigError) Error() string {
	if e.UserID != 0 {
		return fmt.Sprintf("config: user %d: %v", e.UserID, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
