package credential

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// codecName matches the default protobuf codec so servers generated from the
// access manager .proto accept the payloads unchanged.
const codecName = "proto"

type wireMessage interface {
	marshalWire() []byte
	unmarshalWire([]byte) error
}

// wireCodec encodes the two access manager messages with protowire.
type wireCodec struct{}

func (wireCodec) Name() string { return codecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("credential: codec cannot marshal %T", v)
	}
	return msg.marshalWire(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("credential: codec cannot unmarshal into %T", v)
	}
	return msg.unmarshalWire(data)
}

// getCredentialsRequest mirrors GetCredentialsRequest:
//
//	1 application_type (enum) 2 collection_id 3 instance_name
//	4 bucket_name 5 write_access
type getCredentialsRequest struct {
	ApplicationType int32
	CollectionID    string
	InstanceName    string
	BucketName      string
	WriteAccess     bool
}

func (r *getCredentialsRequest) marshalWire() []byte {
	var b []byte
	if r.ApplicationType != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ApplicationType))
	}
	b = appendString(b, 2, r.CollectionID)
	b = appendString(b, 3, r.InstanceName)
	b = appendString(b, 4, r.BucketName)
	if r.WriteAccess {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func (r *getCredentialsRequest) unmarshalWire(b []byte) error {
	*r = getCredentialsRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.ApplicationType = int32(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &r.CollectionID)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &r.InstanceName)
		case num == 4 && typ == protowire.BytesType:
			return consumeString(b, &r.BucketName)
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.WriteAccess = protowire.DecodeBool(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

// getCredentialsResponse mirrors GetCredentialsResponse:
//
//	1 access_key_id 2 secret_access_key 3 session_token
//	4 expiration_timestamp 5 tenant_key_id
type getCredentialsResponse struct {
	AccessKeyID         string
	SecretAccessKey     string
	SessionToken        string
	ExpirationTimestamp string
	TenantKeyID         string
}

func (r *getCredentialsResponse) marshalWire() []byte {
	var b []byte
	b = appendString(b, 1, r.AccessKeyID)
	b = appendString(b, 2, r.SecretAccessKey)
	b = appendString(b, 3, r.SessionToken)
	b = appendString(b, 4, r.ExpirationTimestamp)
	b = appendString(b, 5, r.TenantKeyID)
	return b
}

func (r *getCredentialsResponse) unmarshalWire(b []byte) error {
	*r = getCredentialsResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ == protowire.BytesType {
			switch num {
			case 1:
				return consumeString(b, &r.AccessKeyID)
			case 2:
				return consumeString(b, &r.SecretAccessKey)
			case 3:
				return consumeString(b, &r.SessionToken)
			case 4:
				return consumeString(b, &r.ExpirationTimestamp)
			case 5:
				return consumeString(b, &r.TenantKeyID)
			}
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func consumeString(b []byte, dst *string) int {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return n
	}
	*dst = v
	return n
}

func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("credential: decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		m := field(num, typ, b)
		if m < 0 {
			return fmt.Errorf("credential: decode field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
