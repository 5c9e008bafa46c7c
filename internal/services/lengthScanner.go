package services

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"time"

	"github.com/amine-amaach/uasc/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// maxNesting bounds variants, extension objects and diagnostic infos nested
// in one another.
const maxNesting = 32

var (
	typeTime           = reflect.TypeOf(time.Time{})
	typeGUID           = reflect.TypeOf(uuid.UUID{})
	typeNodeID         = reflect.TypeOf((*ua.NodeID)(nil)).Elem()
	typeExpandedNodeID = reflect.TypeOf(ua.ExpandedNodeID{})
	typeQualifiedName  = reflect.TypeOf(ua.QualifiedName{})
	typeLocalizedText  = reflect.TypeOf(ua.LocalizedText{})
	typeDataValue      = reflect.TypeOf(ua.DataValue{})
	typeDiagnosticInfo = reflect.TypeOf(ua.DiagnosticInfo{})
	typeExtension      = reflect.TypeOf((*ua.ExtensionObject)(nil)).Elem()
	typeVariant        = reflect.TypeOf((*ua.Variant)(nil)).Elem()
)

// lengthScanner walks an encoded body along the same path as the ua binary
// decoder without allocating anything. Every declared string length and
// array count must fit in the bytes left, so the decoder never sizes a
// buffer from a count the body cannot back.
type lengthScanner struct {
	b     []byte
	off   int
	ec    ua.EncodingContext
	depth int
}

func newLengthScanner(b []byte, ec ua.EncodingContext) *lengthScanner {
	return &lengthScanner{b: b, ec: ec}
}

func (s *lengthScanner) remaining() int {
	return len(s.b) - s.off
}

func (s *lengthScanner) skip(n int) error {
	if n < 0 || n > s.remaining() {
		return errors.Wrapf(model.BadDecodingError, "%d bytes declared at offset %d but only %d left", n, s.off, s.remaining())
	}
	s.off += n
	return nil
}

func (s *lengthScanner) readByte() (byte, error) {
	if s.remaining() < 1 {
		return 0, errors.Wrapf(model.BadDecodingError, "body ends at offset %d", s.off)
	}
	c := s.b[s.off]
	s.off++
	return c, nil
}

func (s *lengthScanner) readInt32() (int32, error) {
	if s.remaining() < 4 {
		return 0, errors.Wrapf(model.BadDecodingError, "body ends at offset %d", s.off)
	}
	n := int32(binary.LittleEndian.Uint32(s.b[s.off:]))
	s.off += 4
	return n, nil
}

// count reads an array length and checks it against the smallest possible
// encoding of its elements.
func (s *lengthScanner) count(elemSize int) (int, error) {
	at := s.off
	n, err := s.readInt32()
	if err != nil || n <= 0 {
		return 0, err
	}
	if elemSize < 1 {
		elemSize = 1
	}
	if int64(n)*int64(elemSize) > int64(s.remaining()) {
		return 0, errors.Wrapf(model.BadDecodingError, "array of %d elements declared at offset %d but only %d bytes left", n, at, s.remaining())
	}
	return int(n), nil
}

func (s *lengthScanner) readString() error {
	n, err := s.readInt32()
	if err != nil || n <= 0 {
		return err
	}
	return s.skip(int(n))
}

func (s *lengthScanner) enter() error {
	s.depth++
	if s.depth > maxNesting {
		return errors.Wrapf(model.BadDecodingError, "values nested deeper than %d", maxNesting)
	}
	return nil
}

func (s *lengthScanner) leave() {
	s.depth--
}

func (s *lengthScanner) nodeIDBody(enc byte) error {
	switch enc {
	case 0x00:
		return s.skip(1)
	case 0x01:
		return s.skip(3)
	case 0x02:
		return s.skip(6)
	case 0x03, 0x05:
		if err := s.skip(2); err != nil {
			return err
		}
		return s.readString()
	case 0x04:
		return s.skip(18)
	default:
		return errors.Wrapf(model.BadDecodingError, "unknown node id encoding 0x%02x", enc)
	}
}

func (s *lengthScanner) nodeID() error {
	enc, err := s.readByte()
	if err != nil {
		return err
	}
	return s.nodeIDBody(enc)
}

func (s *lengthScanner) expandedNodeID() error {
	enc, err := s.readByte()
	if err != nil {
		return err
	}
	if err := s.nodeIDBody(enc & 0x0F); err != nil {
		return err
	}
	if enc&0x80 != 0 {
		if err := s.readString(); err != nil {
			return err
		}
	}
	if enc&0x40 != 0 {
		return s.skip(4)
	}
	return nil
}

func (s *lengthScanner) qualifiedName() error {
	if err := s.skip(2); err != nil {
		return err
	}
	return s.readString()
}

func (s *lengthScanner) localizedText() error {
	mask, err := s.readByte()
	if err != nil {
		return err
	}
	if mask&1 != 0 {
		if err := s.readString(); err != nil {
			return err
		}
	}
	if mask&2 != 0 {
		return s.readString()
	}
	return nil
}

func (s *lengthScanner) extensionObject() error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	start := s.off
	if err := s.nodeID(); err != nil {
		return err
	}
	// The node id is known to be well formed here, so the decoder reads it
	// without sizing anything from the body.
	var id ua.NodeID
	if err := ua.NewBinaryDecoder(bytes.NewReader(s.b[start:s.off]), s.ec).ReadNodeID(&id); err != nil {
		return errors.Wrap(model.BadDecodingError, err.Error())
	}
	enc, err := s.readByte()
	if err != nil {
		return err
	}
	switch enc {
	case 0x00:
		return nil
	case 0x01:
		if typ, ok := ua.FindTypeForBinaryEncodingID(ua.ToExpandedNodeID(id, s.ec.NamespaceURIs())); ok {
			if err := s.skip(4); err != nil {
				return err
			}
			return s.value(typ)
		}
		n, err := s.count(1)
		if err != nil {
			return err
		}
		return s.skip(n)
	case 0x02:
		return s.readString()
	default:
		return errors.Wrapf(model.BadDecodingError, "unknown extension object encoding 0x%02x", enc)
	}
}

func (s *lengthScanner) dataValue() error {
	mask, err := s.readByte()
	if err != nil {
		return err
	}
	if mask&1 != 0 {
		if err := s.variant(); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		bit  byte
		size int
	}{{2, 4}, {4, 8}, {16, 2}, {8, 8}, {32, 2}} {
		if mask&f.bit != 0 {
			if err := s.skip(f.size); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *lengthScanner) diagnosticInfo() error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	mask, err := s.readByte()
	if err != nil {
		return err
	}
	for _, bit := range []byte{1, 2, 8, 4} {
		if mask&bit != 0 {
			if err := s.skip(4); err != nil {
				return err
			}
		}
	}
	if mask&16 != 0 {
		if err := s.readString(); err != nil {
			return err
		}
	}
	if mask&32 != 0 {
		if err := s.skip(4); err != nil {
			return err
		}
	}
	if mask&64 != 0 {
		return s.diagnosticInfo()
	}
	return nil
}

// variantSizes holds the smallest encoding of each builtin type, indexed by
// variant type id.
var variantSizes = [...]int{
	ua.VariantTypeNull:            0,
	ua.VariantTypeBoolean:         1,
	ua.VariantTypeSByte:           1,
	ua.VariantTypeByte:            1,
	ua.VariantTypeInt16:           2,
	ua.VariantTypeUInt16:          2,
	ua.VariantTypeInt32:           4,
	ua.VariantTypeUInt32:          4,
	ua.VariantTypeInt64:           8,
	ua.VariantTypeUInt64:          8,
	ua.VariantTypeFloat:           4,
	ua.VariantTypeDouble:          8,
	ua.VariantTypeString:          4,
	ua.VariantTypeDateTime:        8,
	ua.VariantTypeGUID:            16,
	ua.VariantTypeByteString:      4,
	ua.VariantTypeXMLElement:      4,
	ua.VariantTypeNodeID:          2,
	ua.VariantTypeExpandedNodeID:  2,
	ua.VariantTypeStatusCode:      4,
	ua.VariantTypeQualifiedName:   6,
	ua.VariantTypeLocalizedText:   1,
	ua.VariantTypeExtensionObject: 3,
	ua.VariantTypeDataValue:       1,
	ua.VariantTypeVariant:         1,
	ua.VariantTypeDiagnosticInfo:  1,
}

func (s *lengthScanner) builtin(kind byte) error {
	switch kind {
	case ua.VariantTypeString, ua.VariantTypeByteString, ua.VariantTypeXMLElement:
		return s.readString()
	case ua.VariantTypeNodeID:
		return s.nodeID()
	case ua.VariantTypeExpandedNodeID:
		return s.expandedNodeID()
	case ua.VariantTypeQualifiedName:
		return s.qualifiedName()
	case ua.VariantTypeLocalizedText:
		return s.localizedText()
	case ua.VariantTypeExtensionObject:
		return s.extensionObject()
	case ua.VariantTypeDataValue:
		return s.dataValue()
	case ua.VariantTypeVariant:
		return s.variant()
	case ua.VariantTypeDiagnosticInfo:
		return s.diagnosticInfo()
	default:
		return s.skip(variantSizes[kind])
	}
}

func (s *lengthScanner) variant() error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	enc, err := s.readByte()
	if err != nil {
		return err
	}
	kind := enc & 0x3F
	if int(kind) >= len(variantSizes) {
		return errors.Wrapf(model.BadDecodingError, "unknown variant type %d", kind)
	}
	if enc&0x80 == 0 {
		return s.builtin(kind)
	}
	if enc&0x40 != 0 {
		return errors.Wrap(model.BadDecodingError, "multidimensional variant arrays are not supported")
	}
	if kind == ua.VariantTypeNull {
		return nil
	}
	n, err := s.count(variantSizes[kind])
	if err != nil {
		return err
	}
	if kind == ua.VariantTypeByte {
		return s.skip(n)
	}
	for i := 0; i < n; i++ {
		if err := s.builtin(kind); err != nil {
			return err
		}
	}
	return nil
}

// minSize is the smallest encoding of a value of typ.
func minSize(typ reflect.Type, depth int) int {
	if depth > maxNesting {
		return 1
	}
	switch typ {
	case typeTime:
		return 8
	case typeGUID:
		return 16
	case typeNodeID, typeExpandedNodeID:
		return 2
	case typeQualifiedName:
		return 6
	case typeExtension:
		return 3
	case typeLocalizedText, typeDataValue, typeDiagnosticInfo, typeVariant:
		return 1
	}
	switch typ.Kind() {
	case reflect.Struct:
		n := 0
		for i := 0; i < typ.NumField(); i++ {
			n += minSize(typ.Field(i).Type, depth+1)
		}
		return n
	case reflect.Ptr:
		return minSize(typ.Elem(), depth+1)
	case reflect.Slice, reflect.String:
		return 4
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return 4
	case reflect.Int64, reflect.Uint64, reflect.Float64:
		return 8
	}
	return 0
}

// value walks a value of typ the way the decoder chooses its reader.
func (s *lengthScanner) value(typ reflect.Type) error {
	switch typ {
	case typeTime:
		return s.skip(8)
	case typeGUID:
		return s.skip(16)
	case typeNodeID:
		return s.nodeID()
	case typeExpandedNodeID:
		return s.expandedNodeID()
	case typeQualifiedName:
		return s.qualifiedName()
	case typeLocalizedText:
		return s.localizedText()
	case typeDataValue:
		return s.dataValue()
	case typeDiagnosticInfo:
		return s.diagnosticInfo()
	case typeExtension:
		return s.extensionObject()
	case typeVariant:
		return s.variant()
	}

	switch typ.Kind() {
	case reflect.Struct:
		return s.fields(typ)
	case reflect.Ptr:
		if err := s.enter(); err != nil {
			return err
		}
		defer s.leave()
		return s.fields(typ.Elem())
	case reflect.Slice:
		elem := typ.Elem()
		if elem.Kind() == reflect.Uint8 {
			n, err := s.count(1)
			if err != nil {
				return err
			}
			return s.skip(n)
		}
		n, err := s.count(minSize(elem, 0))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := s.value(elem); err != nil {
				return err
			}
		}
		return nil
	case reflect.String:
		return s.readString()
	case reflect.Interface:
		return errors.Wrapf(model.BadDecodingError, "cannot decode interface %s", typ)
	}
	return s.skip(minSize(typ, 0))
}

func (s *lengthScanner) fields(typ reflect.Type) error {
	for i := 0; i < typ.NumField(); i++ {
		if err := s.value(typ.Field(i).Type); err != nil {
			return err
		}
	}
	return nil
}
