package ports

import "io"

// ObjectFactoryPort describes the structure codec the secure channel delegates
// message bodies to. A body starts with the binary encoding id of the
// structure that follows.
type ObjectFactoryPort interface {

	// Decode reads the leading encoding id of body and returns the decoded structure.
	Decode(body []byte) (interface{}, error)

	// Encode writes the encoding id of v followed by its binary encoding.
	Encode(w io.Writer, v interface{}) error
}
