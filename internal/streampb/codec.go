package streampb

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as the grpc wire codec name, replacing the
// default "proto" codec since no protoc-generated types back these
// messages. Clients must dial with grpc.CallContentSubtype("json") or the
// server-side default content subtype must be set to match.
const codecName = "json"

// jsonCodec implements encoding.Codec by delegating to encoding/json. It is
// registered globally in init() so any grpc.Server/ClientConn in the
// process picks it up for the "json" content subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("streampb: json marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("streampb: json unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
