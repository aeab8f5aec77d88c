package domain

import "time"

// User is the owner of strategies and trades. AccessToken is the broker
// session token obtained out of band.
type User struct {
	ID          int64
	Email       string
	AccessToken string
	Limits      RiskLimits
	CreatedAt   time.Time
}
