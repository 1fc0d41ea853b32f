package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/tv-delta-relay/internal/chain"
)

func TestParseMessage_NormalizesSymbol(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"action":"CANCAL","sig_id":"A","seq":0,"symbol":"BINANCE:ARCUSD.P"}`), true)
	require.NoError(t, err)
	assert.Equal(t, "ARCUSD", msg.ProductSymbol)
}

func TestParseMessage_StrictModeRequiresSigIDAndSeq(t *testing.T) {
	_, err := ParseMessage([]byte(`{"action":"ENTER","product_symbol":"ARCUSD"}`), true)
	require.Error(t, err)
	var drop *chain.SequencingDrop
	assert.ErrorAs(t, err, &drop)
}

func TestParseMessage_LegacyActionIsIgnoredNotError(t *testing.T) {
	_, err := ParseMessage([]byte(`{"action":"CLOSE_POSITION","sig_id":"A","seq":0,"product_symbol":"ARCUSD"}`), true)
	require.Error(t, err)
	var ignored *ignoredMessage
	assert.ErrorAs(t, err, &ignored)
}

func TestParseMessage_MissingProductSymbolIsValidationError(t *testing.T) {
	_, err := ParseMessage([]byte(`{"action":"CANCAL","sig_id":"A","seq":0}`), true)
	require.Error(t, err)
	var verr *chain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestParseMessage_BatchRequiresAtLeastOneLeg(t *testing.T) {
	_, err := ParseMessage([]byte(`{"action":"BATCH_TPS","sig_id":"A","seq":2,"product_symbol":"ARCUSD","orders":[]}`), true)
	require.Error(t, err)
	var verr *chain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestParseMessage_BatchLegParsesSizeVariants(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"action":"BATCH_TPS","sig_id":"A","seq":2,"product_symbol":"ARCUSD",
		"orders":[{"limit_price":"2.1","size_coins":"30"},{"price":"2.2","size":"20"}]}`), true)
	require.NoError(t, err)
	require.Len(t, msg.Orders, 2)
	require.NotNil(t, msg.Orders[0].SizeCoins)
	assert.Equal(t, "30", msg.Orders[0].SizeCoins.String())
	require.NotNil(t, msg.Orders[1].Size)
	assert.Equal(t, "20", msg.Orders[1].Size.String())
}

func TestParseMessage_FingerprintStableForIdenticalDelivery(t *testing.T) {
	body := []byte(`{"action":"ENTER","sig_id":"A","seq":1,"product_symbol":"ARCUSD","side":"buy","qty":5}`)
	m1, err := ParseMessage(body, true)
	require.NoError(t, err)
	m2, err := ParseMessage(body, true)
	require.NoError(t, err)
	assert.Equal(t, m1.Fingerprint, m2.Fingerprint)
}

func TestParseMessage_FxOverrideAcceptsEitherAlias(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"action":"ENTER","sig_id":"A","seq":1,"product_symbol":"ARCUSD","side":"buy","qty":5,"fx_quote_to_inr":"91.5"}`), true)
	require.NoError(t, err)
	require.NotNil(t, msg.Fx)
	assert.Equal(t, "91.5", msg.Fx.String())

	msg2, err := ParseMessage([]byte(`{"action":"ENTER","sig_id":"A","seq":1,"product_symbol":"ARCUSD","side":"buy","qty":5,"fx":"88"}`), true)
	require.NoError(t, err)
	require.NotNil(t, msg2.Fx)
	assert.Equal(t, "88", msg2.Fx.String())
}

func TestParseMessage_FxOverrideOmittedLeavesNilForDefault(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"action":"ENTER","sig_id":"A","seq":1,"product_symbol":"ARCUSD","side":"buy","qty":5}`), true)
	require.NoError(t, err)
	assert.Nil(t, msg.Fx)
}

func TestParseMessage_FxOverrideRejectsNonPositive(t *testing.T) {
	_, err := ParseMessage([]byte(`{"action":"ENTER","sig_id":"A","seq":1,"product_symbol":"ARCUSD","side":"buy","qty":5,"fx":"0"}`), true)
	require.Error(t, err)
	var verr *chain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestQueueKey_GlobalForScopeAllOrCloseAll(t *testing.T) {
	assert.Equal(t, "GLOBAL", queueKey(chain.Message{Scope: "ALL"}))
	assert.Equal(t, "GLOBAL", queueKey(chain.Message{CloseAll: true}))
	assert.Equal(t, "SYM:ARCUSD", queueKey(chain.Message{ProductSymbol: "ARCUSD"}))
}
