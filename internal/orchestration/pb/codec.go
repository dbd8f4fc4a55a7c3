// Package pb holds the hand-maintained message and service types for
// the orchestration service's LeaseService RPC. In the teacher repo
// these would have been produced by protoc from a .proto file living
// alongside pkg/agent/pkg/controller; that generated package was not
// present in the retrieved sources (see DESIGN.md), so this package
// defines the equivalent types directly, using a small JSON codec
// instead of protobuf wire encoding so no .proto toolchain is required
// to keep it up to date.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package pb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec using
// encoding/json, so the LeaseService messages below can be plain Go
// structs rather than protobuf-generated types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

// CallContentSubtype is the content-subtype string callers must pass
// via grpc.CallContentSubtype so grpc selects jsonCodec for a call.
const CallContentSubtype = codecName
