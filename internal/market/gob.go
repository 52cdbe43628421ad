package market

import "encoding/gob"

// Specialist payloads cross the shared cache boundary as interface values;
// gob needs their concrete types registered so reads come back typed.
func init() {
	gob.Register(&PriceData{})
	gob.Register(&QuantData{})
	gob.Register(&ForecastData{})
	gob.Register(&PortfolioData{})
	gob.Register(&ResearchData{})
	gob.Register(&SocialData{})
	gob.Register(&WhaleData{})
	gob.Register(&GoalData{})
	gob.Register([]Bar{})
}
