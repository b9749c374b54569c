package circuit

import "testing"

import "github.com/stretchr/testify/require"

func sampleCircuit() Circuit {
	return Circuit{
		CircuitID: "ABCDE-01234",
		Members: []Member{
			{NodeID: "Node-A", Endpoints: []string{"tcps://a:8000"}, PublicKey: "0x02ab"},
			{NodeID: "Node-B", Endpoints: []string{"tcps://b:8000"}, PublicKey: "0x03cd"},
		},
		Roster: []Service{
			{ServiceID: "svc0", ServiceType: "scabbard", NodeID: "Node-A"},
			{ServiceID: "svc1", ServiceType: "scabbard", NodeID: "Node-B"},
		},
		AuthorizationType: AuthorizationTrust,
		Persistence:       PersistenceAny,
		Durability:        DurabilityNone,
		Routes:            RouteTypeAny,
		CircuitVersion:    1,
		CircuitStatus:     CircuitActive,
	}
}

func TestCircuitValidate(t *testing.T) {
	c := sampleCircuit()
	require.NoError(t, c.Validate())
}

func TestCircuitValidateRejectsSingleMember(t *testing.T) {
	c := sampleCircuit()
	c.Members = c.Members[:1]
	c.Roster = nil
	err := c.Validate()
	require.Error(t, err)
}

func TestCircuitValidateRejectsDuplicateEndpoint(t *testing.T) {
	c := sampleCircuit()
	c.Members[1].Endpoints = c.Members[0].Endpoints
	require.Error(t, c.Validate())
}

func TestCircuitValidateRejectsServiceOnNonMember(t *testing.T) {
	c := sampleCircuit()
	c.Roster[0].NodeID = "Node-Z"
	require.Error(t, c.Validate())
}

func TestRoundTripSerialization(t *testing.T) {
	c := sampleCircuit()
	b, err := CanonicalBytes(c)
	require.NoError(t, err)

	parsed, err := ParseCanonical(b)
	require.NoError(t, err)
	require.Equal(t, c, parsed)
}

func TestHashMatchesStoredValue(t *testing.T) {
	c := sampleCircuit()
	h, err := Hash(c)
	require.NoError(t, err)

	ok, err := VerifyHash(c, h)
	require.NoError(t, err)
	require.True(t, ok)

	c.DisplayName = "mutated"
	ok, err = VerifyHash(c, h)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCircuitStatusCodeRoundTrip(t *testing.T) {
	for _, s := range []CircuitStatus{CircuitActive, CircuitDisbanded, CircuitAbandoned} {
		code := s.Code()
		back, err := CircuitStatusFromCode(code)
		require.NoError(t, err)
		require.Equal(t, s, back)
	}
}

func TestValidCircuitID(t *testing.T) {
	require.True(t, ValidCircuitID("ABCDE-01234"))
	require.False(t, ValidCircuitID("abcd-01234"))
	require.False(t, ValidCircuitID("ABCDE_01234"))
}
