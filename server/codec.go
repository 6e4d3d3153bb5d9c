package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborCodec is the Connect message codec for the eval service. Requests
// and responses are plain CBOR structs; there is no generated schema.
type cborCodec struct{}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(msg any) ([]byte, error) {
	return cborEncMode.Marshal(msg)
}

func (cborCodec) Unmarshal(data []byte, msg any) error {
	return cbor.Unmarshal(data, msg)
}
