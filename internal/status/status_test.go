package status

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printerstatus/internal/nodes"
)

func TestDeriveLamp(t *testing.T) {
	cases := []struct {
		class nodes.Classification
		on    bool
		want  Lamp
	}{
		{nodes.ClassError, true, LampError},
		{nodes.ClassError, false, LampOK},
		{nodes.ClassReady, true, LampOK},
		{nodes.ClassReady, false, LampWarning},
		{nodes.ClassGeneric, true, LampOK},
		{nodes.ClassGeneric, false, LampOK},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveLamp(tc.on, tc.class), "%s/%v", tc.class, tc.on)
	}
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{nil, false, 0, int16(0), uint32(0), 0.0, math.NaN(), ""} {
		assert.False(t, Truthy(v), "%#v", v)
	}
	for _, v := range []any{true, 1, int64(-3), uint8(7), 0.5, "x", "Fehler"} {
		assert.True(t, Truthy(v), "%#v", v)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, true, Normalize(true))
	assert.Equal(t, int32(42), Normalize(int32(42)))
	assert.Equal(t, "abc", Normalize("abc"))
	assert.Nil(t, Normalize(nil))

	assert.Equal(t, "Fehler", Normalize(map[string]any{"text": "Fehler", "locale": "de-DE"}))
	assert.Equal(t, "Fehler", Normalize(ua.LocalizedText{Text: "Fehler", Locale: "de-DE"}))
	assert.Equal(t, "Fehler", Normalize(&ua.LocalizedText{Text: "Fehler", Locale: "de-DE"}))
	assert.Equal(t, `{"foo":1}`, Normalize(map[string]any{"foo": 1}))

	assert.Equal(t, uint16(12), Normalize(ua.MustVariant(uint16(12))))
	assert.Equal(t, "Papierende", Normalize(&ua.DataValue{Value: ua.MustVariant(&ua.LocalizedText{Text: "Papierende"})}))
	assert.Equal(t, "0a0b", Normalize([]byte{0x0a, 0x0b}))
	assert.Equal(t, "ns=3;i=10021", Normalize(ua.NewNumericNodeID(3, 10021)))

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-03-01T12:00:00Z", Normalize(ts))

	assert.Equal(t, "NaN", Normalize(math.NaN()))
	assert.Equal(t, "+Inf", Normalize(math.Inf(1)))
}

func TestNormalizeNeverPanics(t *testing.T) {
	var nilText *ua.LocalizedText
	var nilVariant *ua.Variant
	inputs := []any{nilText, nilVariant, make(chan int), func() {}, struct{ A []int }{A: []int{1}}, map[string]any{"text": 5}}
	for _, in := range inputs {
		assert.NotPanics(t, func() { _ = Normalize(in) })
	}
	assert.Equal(t, `{"A":[1]}`, Normalize(struct{ A []int }{A: []int{1}}))
	assert.Equal(t, `{"text":5}`, Normalize(map[string]any{"text": 5}))
}

func testRegistry(t *testing.T) *nodes.Registry {
	t.Helper()
	r, err := nodes.NewRegistry(
		nodes.Definition{Name: "A", NodeID: "ns=1;i=1", Class: nodes.ClassError},
		nodes.Definition{Name: "B", NodeID: "ns=1;i=2", Class: nodes.ClassReady},
		nodes.Definition{Name: "C", NodeID: "ns=1;i=3", Class: nodes.ClassGeneric},
	)
	require.NoError(t, err)
	return r
}

func TestPutNodeKeepsRegistryOrder(t *testing.T) {
	reg := testRegistry(t)
	snap := Initial()
	put := func(name string, v any) {
		def, ok := reg.ByName(name)
		require.True(t, ok)
		snap.PutNode(reg, def, v, DeriveLamp(Truthy(v), def.Class))
	}

	put("C", 10)
	put("A", false)
	put("B", true)
	put("A", true)

	require.Len(t, snap.Nodes, 3)
	assert.Equal(t, "A", snap.Nodes[0].Name)
	assert.Equal(t, "B", snap.Nodes[1].Name)
	assert.Equal(t, "C", snap.Nodes[2].Name)
	assert.Equal(t, true, snap.Nodes[0].RawValue)
	assert.Equal(t, LampError, snap.Nodes[0].Status)
	assert.Equal(t, 10, snap.Nodes[2].RawValue)
}

func TestPutNodeReportsChange(t *testing.T) {
	reg := testRegistry(t)
	def, _ := reg.ByName("A")
	snap := Initial()
	assert.True(t, snap.PutNode(reg, def, false, LampOK))
	assert.False(t, snap.PutNode(reg, def, false, LampOK))
	assert.True(t, snap.PutNode(reg, def, true, LampError))
}

func TestSnapshotJSON(t *testing.T) {
	b, err := json.Marshal(Initial())
	require.NoError(t, err)
	assert.JSONEq(t, `{"connected":false,"endpoint":null,"nodes":[],"error":"no status yet"}`, string(b))

	snap := Snapshot{Connected: true, Endpoint: "opc.tcp://10.0.0.5:4840/", Nodes: []NodeStatus{
		{ID: "ns=3;i=10021", NodeID: "ns=3;i=10021", Name: "ERROR", Status: LampOK, RawValue: false},
	}}
	b, err = json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"connected":true,"endpoint":"opc.tcp://10.0.0.5:4840/","nodes":[{"id":"ns=3;i=10021","nodeId":"ns=3;i=10021","name":"ERROR","status":"ok","rawValue":false}]}`, string(b))

	var back Snapshot
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "opc.tcp://10.0.0.5:4840/", back.Endpoint)
	assert.True(t, back.Connected)
}

func TestMarkAliveAndDisconnected(t *testing.T) {
	snap := Initial()
	assert.True(t, snap.MarkAlive("opc.tcp://h:4840/"))
	assert.False(t, snap.MarkAlive("opc.tcp://h:4840/"))
	assert.Empty(t, snap.Error)

	assert.True(t, snap.MarkDisconnected("connection closed"))
	assert.False(t, snap.MarkDisconnected("connection closed"))
	assert.Equal(t, "opc.tcp://h:4840/", snap.Endpoint)
}

func TestStoreUpdate(t *testing.T) {
	var seen []Snapshot
	s := NewStore(func(sn Snapshot) { seen = append(seen, sn) })
	assert.Equal(t, Initial(), s.Load())

	_, changed := s.Update(func(sn *Snapshot) bool { return sn.MarkAlive("e") })
	assert.True(t, changed)
	_, changed = s.Update(func(sn *Snapshot) bool { return sn.MarkAlive("e") })
	assert.False(t, changed)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Connected)

	loaded := s.Load()
	loaded.Nodes = append(loaded.Nodes, NodeStatus{Name: "X"})
	assert.Empty(t, s.Load().Nodes, "Load must hand out copies")

	s.Reset()
	assert.Equal(t, InitialError, s.Load().Error)
}
