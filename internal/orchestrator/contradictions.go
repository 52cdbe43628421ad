package orchestrator

import "github.com/alphadeskhq/alphadesk/internal/market"

// Fixed contradiction rule set evaluated over the merged context before
// reasoning. The strings are stable contract text surfaced to the model
// and the UI, so they are spelled out rather than templated.
const (
	contradictionQuantBuyNewsBearish   = "Technical indicators suggest a BUY, but News Sentiment is BEARISH."
	contradictionQuantSellNewsBullish  = "Technical indicators suggest a SELL, but News Sentiment is BULLISH."
	contradictionForecastUpQuantSell   = "Price forecast is BULLISH, but Technical indicators suggest a SELL."
	contradictionForecastDownQuantBuy  = "Price forecast is BEARISH, but Technical indicators suggest a BUY."
	contradictionWhaleUpSocialBearish  = "Institutional flow is BULLISH, but Social Sentiment is BEARISH."
	contradictionWhaleDownSocialBullis = "Institutional flow is BEARISH, but Social Sentiment is BULLISH."
)

// detectContradictions computes pairwise disagreements between merged
// sources and attaches them to user_context for the debate section of the
// reasoning prompt.
func detectContradictions(mc *market.MarketContext) {
	var found []string

	if mc.Quant != nil && mc.Research != nil {
		switch {
		case mc.Quant.Signal == market.SignalBuy && mc.Research.SentimentLabel == market.SentimentBearish:
			found = append(found, contradictionQuantBuyNewsBearish)
		case mc.Quant.Signal == market.SignalSell && mc.Research.SentimentLabel == market.SentimentBullish:
			found = append(found, contradictionQuantSellNewsBullish)
		}
	}
	if mc.Forecast != nil && mc.Quant != nil {
		switch {
		case mc.Forecast.Trend == market.SentimentBullish && mc.Quant.Signal == market.SignalSell:
			found = append(found, contradictionForecastUpQuantSell)
		case mc.Forecast.Trend == market.SentimentBearish && mc.Quant.Signal == market.SignalBuy:
			found = append(found, contradictionForecastDownQuantBuy)
		}
	}
	if mc.Whale != nil && mc.Social != nil {
		switch {
		case mc.Whale.Impact == market.SentimentBullish && mc.Social.SentimentLabel == market.SentimentBearish:
			found = append(found, contradictionWhaleUpSocialBearish)
		case mc.Whale.Impact == market.SentimentBearish && mc.Social.SentimentLabel == market.SentimentBullish:
			found = append(found, contradictionWhaleDownSocialBullis)
		}
	}

	if len(found) > 0 {
		mc.UserContext["contradictions"] = found
	}
}
