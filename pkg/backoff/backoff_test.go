package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstant(t *testing.T) {
	c := NewConstant(250 * time.Millisecond)
	for i := 1; i <= 5; i++ {
		assert.Equal(t, 250*time.Millisecond, c.Delay(i))
	}
}

func TestExponential(t *testing.T) {
	e := NewExponential(100*time.Millisecond, time.Second)

	assert.Equal(t, 100*time.Millisecond, e.Delay(1))
	assert.Equal(t, 200*time.Millisecond, e.Delay(2))
	assert.Equal(t, 400*time.Millisecond, e.Delay(3))
	assert.Equal(t, 800*time.Millisecond, e.Delay(4))
	assert.Equal(t, time.Second, e.Delay(5), "capped at max")
	assert.Equal(t, 100*time.Millisecond, e.Delay(0))
}

func TestExponentialJitter(t *testing.T) {
	e := &Exponential{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := e.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 400*time.Millisecond)
	}
}

func TestExponentialUncapped(t *testing.T) {
	e := NewExponential(500*time.Millisecond, 0)
	assert.Equal(t, 4*time.Second, e.Delay(4))

	prev := time.Duration(0)
	for _, retry := range []int{30, 40, 64, 100, 2000} {
		d := e.Delay(retry)
		assert.Positive(t, d, "retry %d", retry)
		assert.GreaterOrEqual(t, d, prev, "retry %d", retry)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), e.Delay(2000))

	e.Jitter = true
	for i := 0; i < 50; i++ {
		assert.GreaterOrEqual(t, e.Delay(2000), time.Duration(0))
	}
	assert.Zero(t, (&Exponential{}).Delay(3))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		want    Strategy
		wantErr bool
	}{
		{name: "", want: NewConstant(time.Second)},
		{name: "constant", want: NewConstant(time.Second)},
		{name: "exponential", want: NewExponential(time.Second, time.Minute)},
		{name: "exponential_jitter", want: &Exponential{Initial: time.Second, Max: time.Minute, Jitter: true}},
		{name: "fibonacci", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.name, time.Second, time.Minute)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
