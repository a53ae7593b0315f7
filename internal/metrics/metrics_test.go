package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/banking"
	"github.com/MegaGrindStone/bank-assistant/internal/stepup"
	"github.com/MegaGrindStone/bank-assistant/internal/voice"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ banking.Observer = (*Metrics)(nil)
	_ stepup.Observer  = (*Metrics)(nil)
	_ voice.Observer   = (*Metrics)(nil)
)

func TestObservers(t *testing.T) {
	m := New("")

	m.ObserveDispatch(banking.ToolInitiatePayment, "success", 20*time.Millisecond)
	m.ObserveDispatch(banking.ToolInitiatePayment, "insufficient_funds", time.Millisecond)
	m.ObserveChallenge(banking.ToolInitiatePayment, stepup.StateCancelled, 3*time.Second)
	m.ObserveTurn("ok")

	m.VoiceSessionStarted()
	m.VoiceSessionStarted()
	m.VoiceSessionEnded(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues(banking.ToolInitiatePayment, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChallengesTotal.WithLabelValues(banking.ToolInitiatePayment, "cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatTurnsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VoiceSessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VoiceSessionsTotal.WithLabelValues("failed")))
}

func TestHandler(t *testing.T) {
	m := New("test")
	m.ObserveDispatch(banking.ToolGetAccountSummary, "success", time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_tool_dispatch_total{outcome="success",tool="get_account_summary"} 1`)
}
