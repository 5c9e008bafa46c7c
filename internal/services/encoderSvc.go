package services

import (
	"bytes"
	"io"
	"reflect"
	"sync"

	"github.com/amine-amaach/uasc/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// EncoderSvc is the object factory of the secure channel: it maps binary
// encoding ids to the ua structures they identify.
type EncoderSvc struct {
	ec    ua.EncodingContext
	mu    sync.RWMutex
	types map[ua.NodeID]reflect.Type
	ids   map[reflect.Type]ua.NodeID
}

// NewEncoderSvc returns a factory knowing the channel, discovery, session and
// attribute service structures.
func NewEncoderSvc() *EncoderSvc {
	svc := &EncoderSvc{
		ec:    ua.NewEncodingContext(),
		types: map[ua.NodeID]reflect.Type{},
		ids:   map[reflect.Type]ua.NodeID{},
	}
	svc.Register(ua.ObjectIDOpenSecureChannelRequestEncodingDefaultBinary, new(ua.OpenSecureChannelRequest))
	svc.Register(ua.ObjectIDOpenSecureChannelResponseEncodingDefaultBinary, new(ua.OpenSecureChannelResponse))
	svc.Register(ua.ObjectIDCloseSecureChannelRequestEncodingDefaultBinary, new(ua.CloseSecureChannelRequest))
	svc.Register(ua.ObjectIDCloseSecureChannelResponseEncodingDefaultBinary, new(ua.CloseSecureChannelResponse))
	svc.Register(ua.ObjectIDServiceFaultEncodingDefaultBinary, new(ua.ServiceFault))
	svc.Register(ua.ObjectIDGetEndpointsRequestEncodingDefaultBinary, new(ua.GetEndpointsRequest))
	svc.Register(ua.ObjectIDGetEndpointsResponseEncodingDefaultBinary, new(ua.GetEndpointsResponse))
	svc.Register(ua.ObjectIDFindServersRequestEncodingDefaultBinary, new(ua.FindServersRequest))
	svc.Register(ua.ObjectIDFindServersResponseEncodingDefaultBinary, new(ua.FindServersResponse))
	svc.Register(ua.ObjectIDCreateSessionRequestEncodingDefaultBinary, new(ua.CreateSessionRequest))
	svc.Register(ua.ObjectIDCreateSessionResponseEncodingDefaultBinary, new(ua.CreateSessionResponse))
	svc.Register(ua.ObjectIDActivateSessionRequestEncodingDefaultBinary, new(ua.ActivateSessionRequest))
	svc.Register(ua.ObjectIDActivateSessionResponseEncodingDefaultBinary, new(ua.ActivateSessionResponse))
	svc.Register(ua.ObjectIDCloseSessionRequestEncodingDefaultBinary, new(ua.CloseSessionRequest))
	svc.Register(ua.ObjectIDCloseSessionResponseEncodingDefaultBinary, new(ua.CloseSessionResponse))
	svc.Register(ua.ObjectIDReadRequestEncodingDefaultBinary, new(ua.ReadRequest))
	svc.Register(ua.ObjectIDReadResponseEncodingDefaultBinary, new(ua.ReadResponse))
	svc.Register(ua.ObjectIDWriteRequestEncodingDefaultBinary, new(ua.WriteRequest))
	svc.Register(ua.ObjectIDWriteResponseEncodingDefaultBinary, new(ua.WriteResponse))
	svc.Register(ua.ObjectIDBrowseRequestEncodingDefaultBinary, new(ua.BrowseRequest))
	svc.Register(ua.ObjectIDBrowseResponseEncodingDefaultBinary, new(ua.BrowseResponse))
	return svc
}

// Register associates an encoding id with the type of prototype, which must be a pointer to a struct.
func (svc *EncoderSvc) Register(id ua.NodeID, prototype interface{}) {
	typ := reflect.TypeOf(prototype).Elem()
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.types[id] = typ
	svc.ids[typ] = id
}

// Decode implements ports.ObjectFactoryPort.
func (svc *EncoderSvc) Decode(body []byte) (v interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, errors.Wrapf(model.BadDecodingError, "cannot decode body: %v", r)
		}
	}()
	scan := newLengthScanner(body, svc.ec)
	if err := scan.nodeID(); err != nil {
		return nil, errors.Wrap(err, "cannot read the encoding id")
	}
	dec := ua.NewBinaryDecoder(bytes.NewReader(body), svc.ec)
	var id ua.NodeID
	if err := dec.ReadNodeID(&id); err != nil {
		return nil, errors.Wrap(model.BadDecodingError, "cannot read the encoding id")
	}
	svc.mu.RLock()
	typ, ok := svc.types[id]
	svc.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(model.BadDecodingError, "unknown encoding id %v", id)
	}
	if err := scan.value(typ); err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", typ.Name())
	}
	v = reflect.New(typ).Interface()
	if err := dec.Decode(v); err != nil {
		return nil, errors.Wrapf(model.BadDecodingError, "cannot decode %s: %v", typ.Name(), err)
	}
	return v, nil
}

// Encode implements ports.ObjectFactoryPort.
func (svc *EncoderSvc) Encode(w io.Writer, v interface{}) error {
	typ := reflect.TypeOf(v)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return errors.Wrapf(model.BadEncodingError, "cannot encode %T", v)
	}
	svc.mu.RLock()
	id, ok := svc.ids[typ.Elem()]
	svc.mu.RUnlock()
	if !ok {
		return errors.Wrapf(model.BadEncodingError, "no encoding id registered for %s", typ.Elem().Name())
	}
	enc := ua.NewBinaryEncoder(w, svc.ec)
	if err := enc.WriteNodeID(id); err != nil {
		return errors.Wrap(model.BadEncodingError, err.Error())
	}
	if err := enc.Encode(v); err != nil {
		return errors.Wrapf(model.BadEncodingError, "cannot encode %s: %v", typ.Elem().Name(), err)
	}
	return nil
}
