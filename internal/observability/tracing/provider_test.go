package tracing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func TestSafeAttributesDropsPaymentFields(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("intent", "close_order"),
		attribute.String("tendered", "Rp 50.000"),
	)
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("intent"), attrs[0].Key)
}

func TestSafeErrorTruncates(t *testing.T) {
	err := SafeError(errors.New(strings.Repeat("x", 400)))
	require.Error(t, err)
	assert.Len(t, err.Error(), 256)
	assert.Nil(t, SafeError(nil))
}

func TestNewProviderDisabled(t *testing.T) {
	provider, err := NewProvider(nil, Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, provider)
}
