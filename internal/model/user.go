package model

type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

type User struct {
	ID   string `json:"id"`
	Plan Plan   `json:"plan"`
}

func (u User) IsPremium() bool {
	return u.Plan == PlanPremium
}
