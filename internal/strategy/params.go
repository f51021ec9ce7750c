package strategy

// boundParams pins every lookup to one user. Backtests construct
// per-user strategy instances with it so user overrides apply without
// threading the user ID through analyzeForBacktest.
type boundParams struct {
	userID string
	inner  Params
}

// BindUser returns a Params view whose lookups always resolve for the
// given user, regardless of the userID argument.
func BindUser(p Params, userID string) Params {
	return boundParams{userID: userID, inner: p}
}

func (b boundParams) Int(_, strategyName, key string, def int) int {
	return b.inner.Int(b.userID, strategyName, key, def)
}

func (b boundParams) Float(_, strategyName, key string, def float64) float64 {
	return b.inner.Float(b.userID, strategyName, key, def)
}

func (b boundParams) Bool(_, strategyName, key string, def bool) bool {
	return b.inner.Bool(b.userID, strategyName, key, def)
}

func (b boundParams) String(_, strategyName, key string, def string) string {
	return b.inner.String(b.userID, strategyName, key, def)
}

// NewAll builds the complete built-in strategy set against one resolver.
func NewAll(params Params) []Strategy {
	return []Strategy{
		NewRSIStrategy(params),
		NewGoldenCrossStrategy(params),
		NewBollingerBandStrategy(params),
		NewMACDStrategy(params),
		NewTrendFollowingStrategy(params),
		NewMomentumScalpingStrategy(params),
		NewVolatilityBreakoutStrategy(params),
		NewScaledTradingStrategy(params),
		NewVolumeBreakoutStrategy(params),
		NewVolumeImpulseStrategy(params),
	}
}
