package services

import (
	"bytes"
	"testing"
	"time"

	"github.com/amine-amaach/uasc/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderSvcRoundTrip(t *testing.T) {
	svc := NewEncoderSvc()

	testCases := []struct {
		name  string
		value interface{}
		check func(t *testing.T, v interface{})
	}{
		{
			name:  "GetEndpointsRequest",
			value: &ua.GetEndpointsRequest{RequestHeader: ua.RequestHeader{RequestHandle: 7}, EndpointURL: "opc.tcp://localhost:4840"},
			check: func(t *testing.T, v interface{}) {
				req, ok := v.(*ua.GetEndpointsRequest)
				require.True(t, ok)
				assert.Equal(t, uint32(7), req.RequestHeader.RequestHandle)
				assert.Equal(t, "opc.tcp://localhost:4840", req.EndpointURL)
			},
		},
		{
			name:  "OpenSecureChannelRequest",
			value: &ua.OpenSecureChannelRequest{RequestType: ua.SecurityTokenRequestTypeRenew, SecurityMode: ua.MessageSecurityModeSign, RequestedLifetime: 60000},
			check: func(t *testing.T, v interface{}) {
				req, ok := v.(*ua.OpenSecureChannelRequest)
				require.True(t, ok)
				assert.Equal(t, ua.SecurityTokenRequestTypeRenew, req.RequestType)
				assert.Equal(t, ua.MessageSecurityModeSign, req.SecurityMode)
				assert.Equal(t, uint32(60000), req.RequestedLifetime)
			},
		},
		{
			name:  "ServiceFault",
			value: &ua.ServiceFault{ResponseHeader: ua.ResponseHeader{ServiceResult: model.BadServiceUnsupported}},
			check: func(t *testing.T, v interface{}) {
				res, ok := v.(*ua.ServiceFault)
				require.True(t, ok)
				assert.Equal(t, model.BadServiceUnsupported, res.ResponseHeader.ServiceResult)
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, svc.Encode(&buf, tc.value))
			v, err := svc.Decode(buf.Bytes())
			require.NoError(t, err)
			tc.check(t, v)
		})
	}
}

type unregistered struct{ A uint32 }

func TestEncoderSvcErrors(t *testing.T) {
	svc := NewEncoderSvc()

	var buf bytes.Buffer
	err := svc.Encode(&buf, &unregistered{})
	assert.True(t, errors.Is(err, model.BadEncodingError))
	err = svc.Encode(&buf, ua.GetEndpointsRequest{})
	assert.True(t, errors.Is(err, model.BadEncodingError))

	var unknown bytes.Buffer
	require.NoError(t, ua.NewBinaryEncoder(&unknown, ua.NewEncodingContext()).WriteNodeID(ua.NewNodeIDNumeric(0, 1)))

	var valid bytes.Buffer
	require.NoError(t, svc.Encode(&valid, &ua.GetEndpointsRequest{EndpointURL: "opc.tcp://h"}))

	testCases := []struct {
		name string
		body []byte
	}{
		{name: "empty", body: nil},
		{name: "unknown_id", body: unknown.Bytes()},
		{name: "truncated", body: valid.Bytes()[:valid.Len()-3]},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Decode(tc.body)
			assert.True(t, errors.Is(err, model.BadDecodingError), "%v", err)
		})
	}
}

func TestEncoderSvcRegister(t *testing.T) {
	svc := NewEncoderSvc()
	svc.Register(ua.NewNodeIDNumeric(2, 5001), new(unregistered))

	var buf bytes.Buffer
	require.NoError(t, svc.Encode(&buf, &unregistered{A: 42}))
	v, err := svc.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, &unregistered{A: 42}, v)
}

func TestEncoderSvcRejectsOversizedLengths(t *testing.T) {
	svc := NewEncoderSvc()

	// NodesToRead is the last field, so an empty request ends with its count.
	var read bytes.Buffer
	require.NoError(t, svc.Encode(&read, &ua.ReadRequest{RequestHeader: ua.RequestHeader{RequestHandle: 1}}))
	hostileCount := append([]byte(nil), read.Bytes()...)
	copy(hostileCount[len(hostileCount)-4:], []byte{0xff, 0xff, 0xff, 0x7f})

	// one element declared, then a ReadValueID whose NodeID is a string id
	// claiming 2 GiB.
	hostileString := append([]byte(nil), read.Bytes()[:read.Len()-4]...)
	hostileString = append(hostileString, 0x01, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0xff, 0xff, 0xff, 0x7f)

	var write bytes.Buffer
	require.NoError(t, svc.Encode(&write, &ua.WriteRequest{
		NodesToWrite: []ua.WriteValue{{NodeID: ua.NewNodeIDNumeric(0, 2258), AttributeID: ua.AttributeIDValue, Value: ua.NewDataValue([]int32{1, 2, 3}, 0, time.Time{}, 0, time.Time{}, 0)}},
	}))
	hostileVariant := append([]byte(nil), write.Bytes()...)
	at := bytes.LastIndex(hostileVariant, []byte{0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00})
	require.Greater(t, at, 0)
	copy(hostileVariant[at:], []byte{0xff, 0xff, 0xff, 0x7f})

	testCases := []struct {
		name string
		body []byte
	}{
		{name: "array_count", body: hostileCount},
		{name: "string_length", body: hostileString},
		{name: "variant_array_count", body: hostileVariant},
		{name: "encoding_id_string", body: []byte{0x03, 0x00, 0x00, 0xff, 0xff, 0xff, 0x7f}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := svc.Decode(tc.body)
			assert.Nil(t, v)
			assert.True(t, errors.Is(err, model.BadDecodingError), "%v", err)
		})
	}
}

func TestEncoderSvcDecodesNestedValues(t *testing.T) {
	svc := NewEncoderSvc()

	req := &ua.WriteRequest{
		RequestHeader: ua.RequestHeader{RequestHandle: 9, AuditEntryID: "audit"},
		NodesToWrite: []ua.WriteValue{
			{NodeID: ua.NewNodeIDString(2, "Boiler.Temp"), AttributeID: ua.AttributeIDValue, Value: ua.NewDataValue(21.5, 0, time.Time{}, 0, time.Time{}, 0)},
			{NodeID: ua.NewNodeIDNumeric(2, 7), AttributeID: ua.AttributeIDValue, IndexRange: "1:2", Value: ua.NewDataValue([]string{"a", "bc"}, 0, time.Time{}, 0, time.Time{}, 0)},
			{NodeID: ua.NewNodeIDNumeric(2, 8), AttributeID: ua.AttributeIDValue, Value: ua.NewDataValue(ua.LocalizedText{Text: "on", Locale: "en"}, 0, time.Time{}, 0, time.Time{}, 0)},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, svc.Encode(&buf, req))
	v, err := svc.Decode(buf.Bytes())
	require.NoError(t, err)
	got, ok := v.(*ua.WriteRequest)
	require.True(t, ok)
	require.Len(t, got.NodesToWrite, 3)
	assert.Equal(t, "audit", got.RequestHeader.AuditEntryID)
	assert.Equal(t, 21.5, got.NodesToWrite[0].Value.Value)
	assert.Equal(t, []string{"a", "bc"}, got.NodesToWrite[1].Value.Value)
	assert.Equal(t, "1:2", got.NodesToWrite[1].IndexRange)
}
