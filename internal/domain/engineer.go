package domain

import "time"

// EngineerLevel is the support tier of an engineer.
type EngineerLevel string

// Engineer levels.
const (
	EngineerLevelL1 EngineerLevel = "L1"
	EngineerLevelL2 EngineerLevel = "L2"
)

// IsValid checks if the level is valid.
func (l EngineerLevel) IsValid() bool {
	return l == EngineerLevelL1 || l == EngineerLevelL2
}

// Engineer is a member of the on-call roster.
type Engineer struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Level     EngineerLevel `json:"level"`
	CreatedAt time.Time     `json:"created_at"`
}
