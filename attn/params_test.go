package attn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validParams() *Params {
	return &Params{
		D: 64, H: 8, HK: 8,
		PDropout:     0,
		BlockM:       64,
		BlockN:       64,
		ScaleSoftmax: 0.125,
	}
}

func TestValidateRejectsUnsupportedHeadDim(t *testing.T) {
	p := validParams()
	p.D = 48
	require.Error(t, p.Validate())
}

func TestValidateRejectsNonDivisibleGQARatio(t *testing.T) {
	p := validParams()
	p.H, p.HK = 6, 4
	require.Error(t, p.Validate())
}

func TestValidateRejectsOutOfRangeDropout(t *testing.T) {
	p := validParams()
	p.PDropout = 1
	require.Error(t, p.Validate())
}

func TestValidateRejectsInconsistentWindow(t *testing.T) {
	p := validParams()
	p.IsLocal = true
	p.WindowSizeLeft = -2
	require.Error(t, p.Validate())
}

func TestValidateRejectsMismatchedAlibiSlopeCount(t *testing.T) {
	p := validParams()
	p.AlibiSlopes = []float32{1, 2, 3}
	require.Error(t, p.Validate())
}

func TestValidateAcceptsWellFormedParams(t *testing.T) {
	p := validParams()
	require.NoError(t, p.Validate())
}

func TestHHKRatio(t *testing.T) {
	p := validParams()
	p.H, p.HK = 16, 4
	require.Equal(t, 4, p.HHKRatio())
}

func TestRPDropoutIsOneWhenDisabled(t *testing.T) {
	p := validParams()
	require.Equal(t, float32(1), p.RPDropout())
}

func TestRPDropoutCompensatesSurvivalProbability(t *testing.T) {
	p := validParams()
	p.PDropout = 0.5
	require.InDelta(t, 2.0, float64(p.RPDropout()), 1e-6)
}
