package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestAdminRecordProposalIncrementsCounter(t *testing.T) {
	m := Admin()
	before := testutil.ToFloat64(m.proposals.WithLabelValues("Create", "submitted"))
	m.RecordProposal("Create", "submitted")
	after := testutil.ToFloat64(m.proposals.WithLabelValues("Create", "submitted"))
	require.Equal(t, before+1, after)
}

func TestAdminRecordProposalEmptyLabelsFallBackToUnknown(t *testing.T) {
	m := Admin()
	before := testutil.ToFloat64(m.proposals.WithLabelValues("unknown", "unknown"))
	m.RecordProposal("", "")
	after := testutil.ToFloat64(m.proposals.WithLabelValues("unknown", "unknown"))
	require.Equal(t, before+1, after)
}

func TestAdminObserveTwoPCRoundRecordsSample(t *testing.T) {
	m := Admin()
	before := testutil.CollectAndCount(m.twoPCRounds)
	m.ObserveTwoPCRound("accepted", 50*time.Millisecond)
	after := testutil.CollectAndCount(m.twoPCRounds)
	require.GreaterOrEqual(t, after, before)
}

func TestNilAdminMethodsAreNoOps(t *testing.T) {
	var m *AdminMetrics
	require.NotPanics(t, func() {
		m.RecordProposal("x", "y")
		m.RecordVote("Accept")
		m.RecordSubmitError("invalid_payload")
		m.ObserveTwoPCRound("accepted", time.Second)
		m.RecordEvent("ProposalSubmitted")
	})
}

func TestRegistryRecordRefreshTracksOutcome(t *testing.T) {
	m := Registry()
	beforeOK := testutil.ToFloat64(m.refreshes.WithLabelValues("automatic", "success"))
	m.RecordRefresh("automatic", nil)
	afterOK := testutil.ToFloat64(m.refreshes.WithLabelValues("automatic", "success"))
	require.Equal(t, beforeOK+1, afterOK)
}
